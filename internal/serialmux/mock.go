package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// MockSerialPort implements SerialPorter with scripted reads and captured
// writes for testing ingest logic without hardware.
type MockSerialPort struct {
	mu          sync.Mutex
	readBuf     *bytes.Buffer
	writeBuf    *bytes.Buffer
	readErr     error
	writeErr    error
	closed      bool
	dataReady   *sync.Cond
	blockOnRead bool
}

// NewMockSerialPort creates a mock port preloaded with the given input.
func NewMockSerialPort(input string) *MockSerialPort {
	p := &MockSerialPort{
		readBuf:  bytes.NewBufferString(input),
		writeBuf: bytes.NewBuffer(nil),
	}
	p.dataReady = sync.NewCond(&p.mu)
	return p
}

// NewBlockingMockSerialPort creates a mock port whose reads block until data
// is fed or the port is closed, like a real idle serial line.
func NewBlockingMockSerialPort() *MockSerialPort {
	p := NewMockSerialPort("")
	p.blockOnRead = true
	return p
}

// Feed appends data for subsequent reads and wakes any blocked reader.
func (p *MockSerialPort) Feed(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(data)
	p.dataReady.Broadcast()
}

// SetReadError makes the next Read return err.
func (p *MockSerialPort) SetReadError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.dataReady.Broadcast()
}

// SetWriteError makes subsequent Writes return err.
func (p *MockSerialPort) SetWriteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Written returns everything written to the port so far.
func (p *MockSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.String()
}

func (p *MockSerialPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return 0, io.EOF
		}
		if p.readErr != nil {
			err := p.readErr
			p.readErr = nil
			return 0, err
		}
		if p.readBuf.Len() > 0 {
			return p.readBuf.Read(buf)
		}
		if !p.blockOnRead {
			return 0, io.EOF
		}
		p.dataReady.Wait()
	}
}

func (p *MockSerialPort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.writeBuf.Write(data)
}

func (p *MockSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dataReady.Broadcast()
	return nil
}
