package protocol

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	headerSize = 4

	// DefaultMaxFrame bounds a frame body unless configured otherwise
	DefaultMaxFrame = 64 * 1024
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrOpen          = errors.New("frame authentication failed")
)

// WriteFrame writes body prefixed with its little-endian uint32 length
func WriteFrame(w io.Writer, body []byte) error {
	buf := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[headerSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame, rejecting bodies over max bytes
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(hdr[:])
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Codec reads and writes TL messages as frames. With a secret, every body
// is sealed with ChaCha20-Poly1305 under a key derived from the secret.
type Codec struct {
	aead     cipher.AEAD
	maxFrame int
}

// NewCodec creates a codec. An empty secret leaves frames in the clear.
func NewCodec(secret string, maxFrame int) (*Codec, error) {
	if maxFrame <= 0 {
		return nil, fmt.Errorf("max frame size %d must be positive", maxFrame)
	}
	c := &Codec{maxFrame: maxFrame}
	if secret == "" {
		return c, nil
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if overhead := aead.NonceSize() + aead.Overhead(); maxFrame <= overhead {
		return nil, fmt.Errorf("max frame size %d cannot hold a sealed frame (%d bytes of overhead)", maxFrame, overhead)
	}
	c.aead = aead
	return c, nil
}

// WriteMessage encodes msg and writes it as one frame. Concurrent writers
// to the same w must go through a Writer.
func (c *Codec) WriteMessage(w io.Writer, msg any) error {
	data, err := c.frame(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// frame encodes and seals msg into a frame body
func (c *Codec) frame(msg any) ([]byte, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	if c.aead != nil {
		if data, err = c.seal(data); err != nil {
			return nil, err
		}
	}
	if len(data) > c.maxFrame {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), c.maxFrame)
	}
	return data, nil
}

// ReadMessage reads one frame and decodes it
func (c *Codec) ReadMessage(r io.Reader) (any, error) {
	data, err := ReadFrame(r, c.maxFrame)
	if err != nil {
		return nil, err
	}
	if c.aead != nil {
		if data, err = c.open(data); err != nil {
			return nil, err
		}
	}
	return Decode(data)
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Writer serializes message writes to one connection. A stalled peer only
// blocks writers of its own connection.
type Writer struct {
	codec   *Codec
	w       io.Writer
	timeout time.Duration

	mu sync.Mutex
}

// NewWriter returns a Writer for w. When timeout is positive and w supports
// write deadlines, each write must finish within timeout.
func (c *Codec) NewWriter(w io.Writer, timeout time.Duration) *Writer {
	return &Writer{codec: c, w: w, timeout: timeout}
}

// WriteMessage encodes msg and writes it as one frame
func (w *Writer) WriteMessage(msg any) error {
	data, err := w.codec.frame(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if dw, ok := w.w.(deadlineWriter); ok && w.timeout > 0 {
		if err := dw.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return err
		}
		defer dw.SetWriteDeadline(time.Time{})
	}
	return WriteFrame(w.w, data)
}

// seal encrypts data (nonce prepended)
func (c *Codec) seal(data []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(data)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, data, nil), nil
}

// open decrypts data (nonce prepended)
func (c *Codec) open(data []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(data) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: data too short", ErrOpen)
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plain, nil
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte("tonnet-tunnel"), []byte("frame key v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
