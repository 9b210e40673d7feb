package ioport

// MemoryPort is an in-process port with no socket behind it: the test
// plays the server, delivering received bytes with ServerSend and
// acknowledging submitted frames with AckSend. All callbacks run
// synchronously on the caller's goroutine, so a protocol exchange can
// be scripted byte for byte. It satisfies the engine's Transport
// surface (Send/Disconnect) as well as this package's Connect shape.
type MemoryPort struct {
	sink EngineSink

	// Sent records every buffer submitted via Send, in order.
	Sent [][]byte
	// Disconnects counts Disconnect calls.
	Disconnects int
	// FailNextSend, when non-nil, is returned (and cleared) by the next
	// Send call, letting a test inject transport errors such as the
	// engine's would-block condition.
	FailNextSend error
}

func NewMemoryPort() *MemoryPort { return &MemoryPort{} }

// Connect attaches sink and immediately reports the connection as
// established.
func (p *MemoryPort) Connect(sink EngineSink) {
	p.sink = sink
	sink.HandleConnected()
}

func (p *MemoryPort) Send(buf []byte) error {
	if err := p.FailNextSend; err != nil {
		p.FailNextSend = nil
		return err
	}
	p.Sent = append(p.Sent, append([]byte(nil), buf...))
	return nil
}

func (p *MemoryPort) Disconnect() { p.Disconnects++ }

// ServerSend delivers data to the sink as if the server had written it.
func (p *MemoryPort) ServerSend(data []byte) { p.sink.HandleRecv(data) }

// AckSend reports the oldest outstanding send as both handed to the
// kernel and placed on the wire.
func (p *MemoryPort) AckSend() {
	p.sink.HandleSent()
	p.sink.HandleWritten()
}
