package tipi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

const (
	FlagConnect        = "--si-connect"
	FlagIdentifier     = "--si-identifier"
	FlagLogFilterLevel = "--si-log-filter-level"
)

// Args are the controller supplied arguments of a tool command line
type Args struct {
	Connect        string
	Identifier     string
	LogFilterLevel int
	// Rest contains all other arguments in their original order
	Rest []string
}

// Flags formats a as a command line suffix
func (a Args) Flags() []string {
	return []string{
		FlagConnect + "=" + a.Connect,
		FlagIdentifier + "=" + a.Identifier,
		FlagLogFilterLevel + "=" + strconv.Itoa(a.LogFilterLevel),
	}
}

// ParseArgs extracts controller arguments. The second value is false when
// no --si-connect argument was present.
func ParseArgs(args []string) (Args, bool) {
	var ret Args
	var found bool
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			ret.Rest = append(ret.Rest, arg)
			continue
		}
		switch key {
		case FlagConnect:
			ret.Connect = value
			found = true
		case FlagIdentifier:
			ret.Identifier = value
		case FlagLogFilterLevel:
			n, err := strconv.Atoi(value)
			if err != nil {
				ret.Rest = append(ret.Rest, arg)
				continue
			}
			ret.LogFilterLevel = n
		default:
			ret.Rest = append(ret.Rest, arg)
		}
	}
	return ret, found
}

// Dial connects to a controller listening on address tipi://host:port
func Dial(ctx context.Context, address string) (*Conn, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", address, err)
	}
	if u.Scheme != scheme {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Scheme = "ws"
	u.Path = path

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	return NewConn(ws), nil
}

// Reporter sends progress reports to the controller
type Reporter interface {
	Report(ctx context.Context, text string) error
}

// Handler implements the tool side of the protocol
type Handler interface {
	Capabilities() Capabilities
	// Configure validates cfg and returns the accepted configuration, possibly amended
	Configure(ctx context.Context, cfg Configuration) (Configuration, error)
	Execute(ctx context.Context, cfg Configuration, r Reporter) error
}

type reporter struct {
	conn *Conn
}

func (r reporter) Report(ctx context.Context, text string) error {
	return r.conn.Send(ctx, MessageReport, Report{Text: text})
}

// Serve connects to the controller and answers its requests until it
// sends a termination message or closes the connection.
func Serve(ctx context.Context, args Args, h Handler) error {
	conn, err := Dial(ctx, args.Connect)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	caps := h.Capabilities()
	err = conn.Send(ctx, MessageIdentification, Identification{
		Identifier: args.Identifier,
		Tool:       caps.Name,
	})
	if err != nil {
		return err
	}

	var current Configuration
	for {
		m, err := conn.Receive()
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receiving: %w", err)
		}
		slog.DebugContext(ctx, "received", "type", m.Type)

		switch m.Type {
		case MessageCapabilities:
			if err := conn.Send(ctx, MessageCapabilities, caps); err != nil {
				return err
			}
		case MessageConfiguration:
			var cfg Configuration
			if err := m.Decode(&cfg); err != nil {
				return err
			}
			accepted, err := h.Configure(ctx, cfg)
			if err != nil {
				// a rejected configuration ends the task
				slog.WarnContext(ctx, "configuration rejected", "error", err)
				if err := conn.Send(ctx, MessageTask, Task{Success: false, Message: err.Error()}); err != nil {
					return err
				}
				continue
			}
			current = accepted
			if err := conn.Send(ctx, MessageConfiguration, accepted); err != nil {
				return err
			}
		case MessageStart:
			task := Task{Success: true}
			if err := h.Execute(ctx, current.Clone(), reporter{conn: conn}); err != nil {
				task = Task{Success: false, Message: err.Error()}
			}
			if err := conn.Send(ctx, MessageTask, task); err != nil {
				return err
			}
		case MessageTermination:
			return nil
		default:
			slog.WarnContext(ctx, "ignoring message", "error", ErrUnexpectedMessage, "type", m.Type)
		}
	}
}
