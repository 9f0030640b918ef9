// v0
// internal/source/line.go
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tcalmant/nfc-voting/internal/device"
)

var ErrBadCommand = errors.New("bad source command")

// TagSink receives tag detections in the order a reader reported them.
type TagSink func(ev device.TagEvent)

// Kind enumerates source commands.
type Kind string

const (
	KindNone   Kind = ""
	KindAttach Kind = "attach"
	KindDetach Kind = "detach"
	KindTag    Kind = "tag"
)

// Command is one parsed line of the reader protocol.
type Command struct {
	Kind   Kind
	Reader string
	Tag    device.TagID
	At     time.Time
}

// ParseLine understands "attach <id>", "detach <id>" and
// "tag <id> <hex-uid> [rfc3339]". Blank lines and '#' comments yield KindNone.
// now stamps tags that carry no timestamp.
func ParseLine(line string, now time.Time) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Command{}, nil
	}
	fields := strings.Fields(line)
	switch Kind(strings.ToLower(fields[0])) {
	case KindAttach, KindDetach:
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: %q needs a reader id", ErrBadCommand, line)
		}
		return Command{Kind: Kind(strings.ToLower(fields[0])), Reader: fields[1]}, nil
	case KindTag:
		if len(fields) < 3 || len(fields) > 4 {
			return Command{}, fmt.Errorf("%w: %q", ErrBadCommand, line)
		}
		id, err := device.ParseTagID(fields[2])
		if err != nil {
			return Command{}, fmt.Errorf("%w: %v", ErrBadCommand, err)
		}
		at := now
		if len(fields) == 4 {
			at, err = time.Parse(time.RFC3339Nano, fields[3])
			if err != nil {
				return Command{}, fmt.Errorf("%w: timestamp: %v", ErrBadCommand, err)
			}
		}
		return Command{Kind: KindTag, Reader: fields[1], Tag: id, At: at.UTC()}, nil
	default:
		return Command{}, fmt.Errorf("%w: unknown verb %q", ErrBadCommand, fields[0])
	}
}

// applier drives the registry and sink from parsed commands.
type applier struct {
	reg  *device.Registry
	sink TagSink
	log  *slog.Logger
}

func (a applier) apply(cmd Command) {
	switch cmd.Kind {
	case KindAttach:
		if _, err := a.reg.Attach(cmd.Reader); err != nil {
			a.log.Warn("attach_failed", slog.String("reader", cmd.Reader), slog.Any("err", err))
		}
	case KindDetach:
		if err := a.reg.Detach(cmd.Reader); err != nil {
			a.log.Warn("detach_failed", slog.String("reader", cmd.Reader), slog.Any("err", err))
		}
	case KindTag:
		if _, ok := a.reg.Lookup(cmd.Reader); !ok {
			if _, err := a.reg.Attach(cmd.Reader); err != nil {
				a.log.Warn("attach_failed", slog.String("reader", cmd.Reader), slog.Any("err", err))
				return
			}
			a.log.Info("reader_auto_attached", slog.String("reader", cmd.Reader))
		}
		if a.sink != nil {
			a.sink(device.TagEvent{Reader: cmd.Reader, TagID: cmd.Tag, DetectedAt: cmd.At})
		}
	}
}

// LineSource reads the reader protocol from a stream such as stdin or a
// named pipe fed by the radio daemon.
type LineSource struct {
	r   io.Reader
	app applier
	now func() time.Time
}

func NewLineSource(r io.Reader, reg *device.Registry, sink TagSink, log *slog.Logger) *LineSource {
	if log == nil {
		log = slog.Default()
	}
	return &LineSource{
		r:   r,
		app: applier{reg: reg, sink: sink, log: log.With("component", "line_source")},
		now: time.Now,
	}
}

// Run applies commands until EOF (nil) or ctx ends.
func (s *LineSource) Run(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				var err error
				select {
				case err = <-scanErr:
				default:
				}
				if err != nil {
					return fmt.Errorf("read source: %w", err)
				}
				s.app.log.Info("source_eof", slog.Int("lines", n))
				return nil
			}
			n++
			cmd, err := ParseLine(line, s.now())
			if err != nil {
				s.app.log.Warn("source_line_rejected", slog.Int("line", n), slog.Any("err", err))
				continue
			}
			s.app.apply(cmd)
		}
	}
}
