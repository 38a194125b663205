// Package vnctransport drives the graphical console over RFB using
// github.com/kward/go-vnc, maintaining a double-buffered framebuffer the
// screen matcher (internal/screen) reads snapshots from, and exposing the
// keyboard/mouse operations: TypeString, SendKey, and the Mouse* family.
package vnctransport

import (
	"fmt"
	"image"
	"image/color"
	"net"
	"sync"
	"time"

	vnc "github.com/kward/go-vnc"
)

// Config mirrors the driver's `vnc` config section.
type Config struct {
	Host     string
	Port     int
	Password string
}

// Worker owns the RFB connection and the live framebuffer. Unlike
// session.Worker it has no byte history or mailbox: VNC operations are
// independent actions (type, click, snapshot), not a stream a pattern
// matcher watches, so it is a standalone type rather than a
// session.Transport implementation.
type Worker struct {
	conn *vnc.ClientConn

	mu         sync.RWMutex
	frame      *image.RGBA
	generation uint64

	closed chan struct{}
}

// Connect dials the RFB server, completes the handshake, and starts the
// framebuffer update loop.
func Connect(cfg Config) (*Worker, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	nc, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing vnc %s: %w", addr, err)
	}

	cfgv := &vnc.ClientConfig{
		Auth:      []vnc.ClientAuth{&vnc.PasswordAuth{Password: cfg.Password}},
		Exclusive: false,
	}
	conn, err := vnc.Client(nc, cfgv)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("vnc handshake with %s: %w", addr, err)
	}

	w := &Worker{
		conn:   conn,
		frame:  image.NewRGBA(image.Rect(0, 0, int(conn.FrameBufferWidth), int(conn.FrameBufferHeight))),
		closed: make(chan struct{}),
	}

	updates := make(chan vnc.FramebufferUpdate)
	conn.SetEncodings([]vnc.Encoding{&vnc.RawEncoding{}})
	go conn.ListenAndHandle()
	go w.updateLoop(updates)
	if err := conn.FramebufferUpdateRequest(false, 0, 0, conn.FrameBufferWidth, conn.FrameBufferHeight); err != nil {
		return nil, fmt.Errorf("requesting initial framebuffer: %w", err)
	}

	return w, nil
}

func (w *Worker) updateLoop(updates <-chan vnc.FramebufferUpdate) {
	for {
		select {
		case upd, ok := <-updates:
			if !ok {
				return
			}
			w.applyUpdate(upd)
		case <-w.closed:
			return
		}
	}
}

func (w *Worker) applyUpdate(upd vnc.FramebufferUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rect := range upd.Rectangles {
		enc, ok := rect.Enc.(*vnc.RawEncoding)
		if !ok {
			continue
		}
		x0, y0 := int(rect.X), int(rect.Y)
		width := int(rect.Width)
		for i, px := range enc.Colors {
			if width == 0 {
				break
			}
			x := x0 + i%width
			y := y0 + i/width
			if !(image.Point{x, y}.In(w.frame.Bounds())) {
				continue
			}
			w.frame.SetRGBA(x, y, color.RGBA{R: uint8(px.R), G: uint8(px.G), B: uint8(px.B), A: 255})
		}
	}
	w.generation++
	// Request the next incremental update so the live buffer keeps moving;
	// a quiescent screen simply yields no rectangles back.
	go w.conn.FramebufferUpdateRequest(true, 0, 0, w.conn.FrameBufferWidth, w.conn.FrameBufferHeight)
}

// SnapshotFrame returns a copy of the current framebuffer along with the
// generation counter it was captured at, so a caller can detect whether a
// newer frame has since landed.
func (w *Worker) SnapshotFrame() (*image.RGBA, uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cp := image.NewRGBA(w.frame.Bounds())
	copy(cp.Pix, w.frame.Pix)
	return cp, w.generation
}

// Generation returns the current framebuffer generation without copying
// pixel data, for the matcher's poll-or-generation-change wait.
func (w *Worker) Generation() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.generation
}

// TypeString sends each rune in s as a key press/release pair.
func (w *Worker) TypeString(s string) error {
	for _, r := range s {
		if err := w.conn.KeyEvent(uint32(r), true); err != nil {
			return err
		}
		if err := w.conn.KeyEvent(uint32(r), false); err != nil {
			return err
		}
	}
	return nil
}

// SendKey presses and releases a single X keysym.
func (w *Worker) SendKey(keysym uint32) error {
	if err := w.conn.KeyEvent(keysym, true); err != nil {
		return err
	}
	return w.conn.KeyEvent(keysym, false)
}

// mouseMask bits, per RFB's pointer event button-mask encoding.
const (
	mouseLeft  = 1 << 0
	mouseRight = 1 << 2
)

func (w *Worker) mouseMoveTo(x, y int) error {
	return w.conn.PointerEvent(0, uint16(x), uint16(y))
}

// MouseMove moves the pointer without pressing a button.
func (w *Worker) MouseMove(x, y int) error { return w.mouseMoveTo(x, y) }

// MouseClick performs a left click at (x, y).
func (w *Worker) MouseClick(x, y int) error { return w.clickAt(x, y, mouseLeft) }

// MouseRClick performs a right click at (x, y).
func (w *Worker) MouseRClick(x, y int) error { return w.clickAt(x, y, mouseRight) }

func (w *Worker) clickAt(x, y int, mask uint8) error {
	if err := w.mouseMoveTo(x, y); err != nil {
		return err
	}
	if err := w.conn.PointerEvent(vnc.ButtonMask(mask), uint16(x), uint16(y)); err != nil {
		return err
	}
	return w.conn.PointerEvent(0, uint16(x), uint16(y))
}

// MouseDown presses the left button at (x, y) without releasing it.
func (w *Worker) MouseDown(x, y int) error {
	if err := w.mouseMoveTo(x, y); err != nil {
		return err
	}
	return w.conn.PointerEvent(vnc.ButtonMask(mouseLeft), uint16(x), uint16(y))
}

// MouseUp releases all buttons at (x, y).
func (w *Worker) MouseUp(x, y int) error {
	return w.conn.PointerEvent(0, uint16(x), uint16(y))
}

// MouseHide moves the pointer to the bottom-right corner, one pixel in from
// the edge, so it does
// not occlude the region a subsequent screen match reads.
func (w *Worker) MouseHide() error {
	w.mu.RLock()
	b := w.frame.Bounds()
	w.mu.RUnlock()
	x := b.Dx() - 2
	y := b.Dy() - 2
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return w.mouseMoveTo(x, y)
}

// refreshTimeout bounds how long Refresh waits for the server to answer a
// forced update with a new generation before giving up.
const refreshTimeout = 5 * time.Second

// Refresh forces a full (non-incremental) framebuffer request and blocks
// until the resulting update has been applied (the generation counter has
// advanced past its value at call time), bounded by refreshTimeout, so a
// caller that asks for a refresh is guaranteed the next snapshot reflects
// it rather than racing the update loop.
func (w *Worker) Refresh() error {
	w.mu.RLock()
	width, height := w.conn.FrameBufferWidth, w.conn.FrameBufferHeight
	before := w.generation
	w.mu.RUnlock()

	if err := w.conn.FramebufferUpdateRequest(false, 0, 0, width, height); err != nil {
		return err
	}

	deadline := time.Now().Add(refreshTimeout)
	for time.Now().Before(deadline) {
		if w.Generation() != before {
			return nil
		}
		select {
		case <-w.closed:
			return fmt.Errorf("vnc refresh: connection closed while waiting for update")
		case <-time.After(10 * time.Millisecond):
		}
	}
	return fmt.Errorf("vnc refresh: timed out waiting for framebuffer update")
}

// Close tears down the RFB connection.
func (w *Worker) Close() error {
	select {
	case <-w.closed:
		return nil
	default:
		close(w.closed)
	}
	return w.conn.Close()
}
