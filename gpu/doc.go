// Package gpu is the device abstraction the Basalt core records against.
//
// Resources are opaque IDs owned by a Device. Transfer work is recorded
// into a CommandList, a plain value that can be kept and replayed later,
// and executed synchronously with Device.Execute. Drawing goes through
// Device.Render with a pipeline created by Device.CreatePipeline, and
// presentation through a Surface.
//
// Two implementations exist: gpu/halgpu drives a gogpu/wgpu HAL device
// (Vulkan by default) and gpu/soft keeps every resource in memory and
// executes command lists on the CPU. Backends register themselves in
// Backends and are opened by name with Open.
package gpu
