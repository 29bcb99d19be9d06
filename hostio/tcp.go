package hostio

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// TCPClient is the emulator's stand-in for the HID transport a physical
// SE would use (spec.md §6: "HID on device, TCP on emulator"). Every
// Oracle call blocks the caller for exactly one request/response frame
// pair, matching spec.md §5's single-threaded, no-retry model.
type TCPClient struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialTCP connects to a host emulator process listening at addr.
func DialTCP(addr string) (*TCPClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("hostio: dial %s: %w", addr, err)
	}
	return &TCPClient{conn: conn}, nil
}

func (c *TCPClient) Close() error {
	return c.conn.Close()
}

// roundTrip writes one request frame and reads back its response body,
// rejecting anything but wantResp (and surfacing a host-reported Fatal
// as a plain error, since the caller has no Fault to attach it to).
func (c *TCPClient) roundTrip(tag Tag, req encoder, wantResp Tag) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteFrame(c.conn, tag, req); err != nil {
		return nil, fmt.Errorf("hostio: write %v: %w", tag, err)
	}
	gotTag, body, err := ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("hostio: read response to %v: %w", tag, err)
	}
	if gotTag == TagFatal {
		if f, decErr := decodeFatal(body); decErr == nil {
			return nil, fmt.Errorf("hostio: host reported fatal kind=%d op=%s", f.Kind, f.Op)
		}
		return nil, fmt.Errorf("hostio: host reported fatal")
	}
	if gotTag != wantResp {
		return nil, ErrUnexpectedTag
	}
	return body, nil
}

func (c *TCPClient) GetPage(_ context.Context, section Section, pageIndex uint32) (GetPageResp, error) {
	req := GetPageReq{Section: section, PageIndex: pageIndex}
	body, err := c.roundTrip(TagGetPage, req, TagGetPageResp)
	if err != nil {
		return GetPageResp{}, err
	}
	return decodeGetPageResp(body)
}

func (c *TCPClient) CommitPage(_ context.Context, req CommitPageReq) (CommitPageResp, error) {
	body, err := c.roundTrip(TagCommitPage, req, TagCommitPageResp)
	if err != nil {
		return CommitPageResp{}, err
	}
	return decodeCommitPageResp(body)
}

func (c *TCPClient) Exchange(_ context.Context, payload []byte) ([]byte, error) {
	req := ExchangeReq{Payload: payload}
	body, err := c.roundTrip(TagExchange, req, TagExchangeResp)
	if err != nil {
		return nil, err
	}
	resp, err := decodeExchangeResp(body)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}
