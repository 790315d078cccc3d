package transformer

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/openfluke/webgpu/wgpu"
)

// gpuDevice holds WebGPU resources for the accelerated unembedding path.
type gpuDevice struct {
	instance   *wgpu.Instance
	adapter    *wgpu.Adapter
	device     *wgpu.Device
	queue      *wgpu.Queue
	workgroupX uint32
}

// InitGPU acquires a WebGPU device for the unembedding projection. The rest
// of the forward pass stays on CPU. Safe to skip entirely; Forward works
// without it.
func (m *Model) InitGPU() error {
	if m.device != nil {
		return nil
	}

	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return fmt.Errorf("failed to create WebGPU instance")
	}

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		// Fall back to whatever the runtime offers.
		adapter, err = instance.RequestAdapter(nil)
	}
	if err != nil {
		instance.Release()
		return fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		instance.Release()
		return fmt.Errorf("no WebGPU adapter available")
	}

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return fmt.Errorf("request device: %w", err)
	}

	m.device = &gpuDevice{
		instance:   instance,
		adapter:    adapter,
		device:     device,
		queue:      device.GetQueue(),
		workgroupX: 64,
	}
	return nil
}

// ReleaseGPU releases all GPU resources.
func (m *Model) ReleaseGPU() {
	if m.device == nil {
		return
	}
	if m.device.device != nil {
		m.device.device.Release()
	}
	if m.device.adapter != nil {
		m.device.adapter.Release()
	}
	if m.device.instance != nil {
		m.device.instance.Release()
	}
	m.device = nil
}

// generateUnembedShader emits a WGSL kernel computing
// output[r, v] = sum_c input[r, c] * weights[c, v].
func generateUnembedShader(wgx uint32, rows, d, vocab int) string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> input : array<f32>;
@group(0) @binding(1) var<storage, read> weights : array<f32>;
@group(0) @binding(2) var<storage, read_write> output : array<f32>;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid : vec3<u32>) {
    let idx = gid.x;
    if (idx >= %du) { return; }
    let r = idx / %du;
    let v = idx %% %du;
    var sum : f32 = 0.0;
    for (var c : u32 = 0u; c < %du; c = c + 1u) {
        sum = sum + input[r * %du + c] * weights[c * %du + v];
    }
    output[idx] = sum;
}
`, wgx, rows*vocab, vocab, vocab, d, d, vocab)
}

// unembedGPU runs the unembedding matmul on the GPU and reads back logits.
func (m *Model) unembedGPU(normed []float32, rows int) ([]float32, error) {
	dev := m.device.device
	q := m.device.queue
	wgx := m.device.workgroupX
	d, vocab := m.cfg.DModel, m.cfg.VocabSize

	inBytes := uint64(len(normed) * 4)
	wBytes := uint64(len(m.UnembedWeights) * 4)
	outN := rows * vocab
	outBytes := uint64(outN * 4)

	shader := generateUnembedShader(wgx, rows, d, vocab)
	module, err := dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "unembed_shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shader},
	})
	if err != nil {
		return nil, fmt.Errorf("CreateShaderModule: %w", err)
	}
	defer module.Release()

	bgl, err := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "unembed_bgl",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		return nil, err
	}
	defer bgl.Release()

	pl, err := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "unembed_pl",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bgl},
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "unembed_pipeline",
		Layout: pl,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	pl.Release()
	if err != nil {
		return nil, err
	}
	defer pipeline.Release()

	mkBuffer := func(label string, size uint64, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
		return dev.CreateBuffer(&wgpu.BufferDescriptor{Label: label, Size: size, Usage: usage})
	}
	bufIn, err := mkBuffer("unembed_in", inBytes, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	defer bufIn.Release()
	bufW, err := mkBuffer("unembed_w", wBytes, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	defer bufW.Release()
	bufOut, err := mkBuffer("unembed_out", outBytes, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	if err != nil {
		return nil, err
	}
	defer bufOut.Release()
	readback, err := mkBuffer("unembed_rb", outBytes, wgpu.BufferUsageCopyDst|wgpu.BufferUsageMapRead)
	if err != nil {
		return nil, err
	}
	defer readback.Release()

	bg, err := dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "unembed_bg",
		Layout: bgl,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: bufIn, Offset: 0, Size: bufIn.GetSize()},
			{Binding: 1, Buffer: bufW, Offset: 0, Size: bufW.GetSize()},
			{Binding: 2, Buffer: bufOut, Offset: 0, Size: bufOut.GetSize()},
		},
	})
	if err != nil {
		return nil, err
	}
	defer bg.Release()

	q.WriteBuffer(bufIn, 0, unsafe.Slice((*byte)(unsafe.Pointer(&normed[0])), int(inBytes)))
	q.WriteBuffer(bufW, 0, unsafe.Slice((*byte)(unsafe.Pointer(&m.UnembedWeights[0])), int(wBytes)))

	gx := uint32((outN + int(wgx) - 1) / int(wgx))
	if gx == 0 {
		gx = 1
	}

	enc, err := dev.CreateCommandEncoder(&wgpu.CommandEncoderDescriptor{Label: "unembed_enc"})
	if err != nil {
		return nil, err
	}
	pass := enc.BeginComputePass(&wgpu.ComputePassDescriptor{Label: "unembed_pass"})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(gx, 1, 1)
	pass.End()
	enc.CopyBufferToBuffer(bufOut, 0, readback, 0, outBytes)
	cb, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return nil, err
	}
	q.Submit(cb)
	cb.Release()

	done := false
	readback.MapAsync(wgpu.MapModeRead, 0, outBytes, func(wgpu.BufferMapAsyncStatus) { done = true })
	for i := 0; i < 1000 && !done; i++ {
		dev.Poll(true, nil)
		time.Sleep(100 * time.Microsecond)
	}
	if !done {
		return nil, fmt.Errorf("timeout mapping readback buffer")
	}

	view := readback.GetMappedRange(0, uint(outBytes))
	out := make([]float32, outN)
	copy(out, unsafe.Slice((*float32)(unsafe.Pointer(&view[0])), outN))
	readback.Unmap()

	return out, nil
}
