package backend

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/jangala-dev/cdba-go/errcode"
	"github.com/jangala-dev/cdba-go/types"
	"github.com/jangala-dev/cdba-go/wire"
)

func init() {
	Register("conmux", conmuxBuilder{})
}

// conmuxRegistryAddr is the well-known local registry contacted before
// connecting to the console multiplexer itself.
const conmuxRegistryAddr = "127.0.0.1:63000"

// conmuxBuilder builds the conmux backend: a TCP client to an external
// console multiplexer that is both the control backend and the console
// transport.
type conmuxBuilder struct{}

func (conmuxBuilder) Build(board *types.Board) (Control, error) {
	return &conmux{service: board.ConsolePath}, nil
}

type conmux struct {
	service string
	conn    *net.TCPConn
	file    *os.File // dup'd fd backing conn, kept non-blocking for the reactor
	sink    func([]byte)
}

func (c *conmux) Open(board *types.Board) (Handle, error) {
	host, port, err := conmuxLookup(c.service)
	if err != nil {
		return nil, errcode.Wrap(errcode.MalformedLookup, "conmux.Open", err)
	}

	raw, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "conmux.Open", err)
	}
	conn := raw.(*net.TCPConn)

	user := conmuxUser()
	req := fmt.Sprintf("CONNECT id=cdba:%s to=console\n", user)
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "conmux.Open", err)
	}
	line, err := conmuxReadLine(conn)
	if err != nil {
		conn.Close()
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "conmux.Open", err)
	}
	resp := conmuxParseResponse(line)
	if resp["status"] != "OK" {
		conn.Close()
		return nil, errcode.Wrap(errcode.BackendOpenFailed, "conmux.Open",
			fmt.Errorf("unexpected CONNECT status %q", resp["status"]))
	}

	c.conn = conn
	return c, nil
}

func (c *conmux) Close(h Handle) error {
	if c.file != nil {
		c.file.Close()
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Power drives the multiplexer's literal command strings: "~$hardreset\n"
// energizes the board, "~$off\n" removes power.
func (c *conmux) Power(h Handle, on bool) error {
	cmd := "~$off\n"
	if on {
		cmd = "~$hardreset\n"
	}
	_, err := c.conn.Write([]byte(cmd))
	return err
}

// Fd exposes the raw console socket for the session to register with the
// reactor directly, since conmux carries console bytes on the same
// connection used for control. The first call dup's the socket via
// (*net.TCPConn).File and keeps the *os.File alive for the session's
// lifetime; the dup is put back into non-blocking mode since File()
// always returns a blocking duplicate.
func (c *conmux) Fd() (int, error) {
	if c.file == nil {
		f, err := c.conn.File()
		if err != nil {
			return -1, err
		}
		c.file = f
	}
	fd := int(c.file.Fd())
	if err := setNonblock(fd); err != nil {
		return -1, err
	}
	return fd, nil
}

// ConsoleWrite implements backend.ConsoleProvider: outbound CONSOLE bytes
// from the controller are written straight onto the multiplexer socket.
func (c *conmux) ConsoleWrite(h Handle, buf []byte) (int, error) {
	return c.conn.Write(buf)
}

func (c *conmux) SetConsoleSink(fn func([]byte)) { c.sink = fn }

// Read satisfies the reactor's raw-read contract for a TCP socket; the
// session pumps whatever arrives on this side into the sink.
func (c *conmux) Read(buf []byte) (int, error) {
	return c.conn.Read(buf)
}

func conmuxUser() string {
	if u := os.Getenv("CDBA_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "nobody"
}

func setNonblock(fd int) error {
	return wire.SetNonblock(fd)
}

// conmuxReadLine reads one newline-terminated line a byte at a time.
// The multiplexer socket carries console traffic immediately after the
// CONNECT status line, so a buffered reader here could swallow console
// bytes the session would never see again.
func conmuxReadLine(conn net.Conn) (string, error) {
	var sb strings.Builder
	var b [1]byte
	for {
		n, err := conn.Read(b[:])
		if n > 0 {
			if b[0] == '\n' {
				return sb.String(), nil
			}
			sb.WriteByte(b[0])
		}
		if err != nil {
			return sb.String(), err
		}
	}
}

// conmuxLookup contacts the well-known registry with "LOOKUP
// service=<name>\n" and parses "result=host:port status=OK" out of the
// single-line response.
func conmuxLookup(service string) (host, port string, err error) {
	conn, err := net.Dial("tcp", conmuxRegistryAddr)
	if err != nil {
		return "", "", err
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "LOOKUP service=%s\n", service); err != nil {
		return "", "", err
	}
	line, err := conmuxReadLine(conn)
	if err != nil && line == "" {
		return "", "", err
	}

	resp := conmuxParseResponse(line)
	if resp["status"] != "OK" {
		return "", "", fmt.Errorf("registry lookup failed: status=%q", resp["status"])
	}
	result := resp["result"]
	idx := strings.LastIndex(result, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed lookup result %q", result)
	}
	return result[:idx], result[idx+1:], nil
}

// conmuxParseResponse decodes a space-separated "key=value" line with
// percent-decoded values. Any byte outside printable-ASCII-less-
// whitespace ends the value rather than being treated as an escape.
func conmuxParseResponse(line string) map[string]string {
	out := map[string]string{}
	line = strings.TrimRight(line, "\r\n")
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		start := i
		for i < len(line) && isAlpha(line[i]) {
			i++
		}
		key := line[start:i]
		if i >= len(line) || line[i] != '=' {
			break
		}
		i++
		var val strings.Builder
		for i < len(line) && isPrintableNonSpace(line[i]) {
			if line[i] == '%' && i+2 < len(line) && isHex(line[i+1]) && isHex(line[i+2]) {
				b, _ := strconv.ParseUint(line[i+1:i+3], 16, 8)
				val.WriteByte(byte(b))
				i += 3
				continue
			}
			val.WriteByte(line[i])
			i++
		}
		if key != "" {
			out[key] = val.String()
		}
	}
	return out
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func isPrintableNonSpace(b byte) bool {
	return b > ' ' && b < 0x7f
}
