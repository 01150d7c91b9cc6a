package linestack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jelmer/ctrlproxy/internal/constants"
	"github.com/jelmer/ctrlproxy/internal/irc"
	"github.com/jelmer/ctrlproxy/internal/state"
	"github.com/redis/go-redis/v9"
)

const (
	redisTimeout = 5 * time.Second
	redisPage    = 100
	redisPrefix  = "ctrlproxy:"
)

// streamID is a parsed redis stream entry id
type streamID struct {
	ms, seq uint64
}

func parseStreamID(s string) (streamID, error) {
	msPart, seqPart, ok := strings.Cut(s, "-")
	if !ok {
		seqPart = "0"
	}
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("bad stream id %q", s)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("bad stream id %q", s)
	}
	return streamID{ms, seq}, nil
}

func (id streamID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func (id streamID) after(o streamID) bool {
	return id.ms > o.ms || (id.ms == o.ms && id.seq > o.seq)
}

type redisMarker struct {
	b  *redisBackend
	id streamID
}

func (m *redisMarker) owner() Backend { return m.b }

// redisBackend keeps one stream of lines and one stream of snapshots per
// network. A snapshot is a single XADD, so it is either fully there or not
// at all.
type redisBackend struct {
	client   *redis.Client
	interval int
	maxLines int64
	last     map[string]streamID
	since    map[string]int
}

func linesKey(network string) string     { return redisPrefix + "lines:" + network }
func snapshotsKey(network string) string { return redisPrefix + "snapshots:" + network }

func (b *redisBackend) Init(cfg Config) error {
	if cfg.URL == "" {
		return errors.New("redis linestack needs a server URL")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to parse redis URL: %w", err)
	}
	b.client = redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		b.client.Close()
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	b.interval = cfg.SnapshotInterval
	if b.interval <= 0 {
		b.interval = constants.DefaultSnapshotInterval
	}
	b.maxLines = cfg.MaxLines
	b.last = make(map[string]streamID)
	b.since = make(map[string]int)
	return nil
}

func (b *redisBackend) Fini() error {
	return b.client.Close()
}

func (b *redisBackend) InsertLine(network string, l *irc.Line, dir Direction, st *state.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	args := &redis.XAddArgs{
		Stream: linesKey(network),
		Values: map[string]interface{}{
			"dir":  dir.String(),
			"time": time.Now().UnixMilli(),
			"raw":  l.String(),
		},
	}
	if b.maxLines > 0 {
		args.MaxLen = b.maxLines
		args.Approx = true
	}
	raw, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to append line: %w", err)
	}
	id, err := parseStreamID(raw)
	if err != nil {
		return err
	}
	b.last[network] = id
	b.since[network]++
	if st != nil && b.since[network] >= b.interval {
		return b.Snapshot(network, st)
	}
	return nil
}

func (b *redisBackend) lastID(ctx context.Context, network string) (streamID, error) {
	if id, ok := b.last[network]; ok {
		return id, nil
	}
	msgs, err := b.client.XRevRangeN(ctx, linesKey(network), "+", "-", 1).Result()
	if err != nil {
		return streamID{}, fmt.Errorf("failed to read stream end: %w", err)
	}
	var id streamID
	if len(msgs) > 0 {
		if id, err = parseStreamID(msgs[0].ID); err != nil {
			return streamID{}, err
		}
	}
	b.last[network] = id
	return id, nil
}

func (b *redisBackend) Snapshot(network string, st *state.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	data, err := st.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	id, err := b.lastID(ctx, network)
	if err != nil {
		return err
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: snapshotsKey(network),
		Values: map[string]interface{}{"line": id.String(), "state": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	b.since[network] = 0
	return nil
}

func (b *redisBackend) GetMarker(network string) (Marker, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	id, err := b.lastID(ctx, network)
	if err != nil {
		return nil, err
	}
	return &redisMarker{b: b, id: id}, nil
}

func (b *redisBackend) marker(m Marker) (*redisMarker, error) {
	rm, ok := m.(*redisMarker)
	if !ok || rm.b != b {
		return nil, ErrForeignMarker
	}
	return rm, nil
}

// findSnapshot walks the snapshot stream backwards to the newest snapshot
// that covers no line after upTo
func (b *redisBackend) findSnapshot(ctx context.Context, network string, upTo streamID) (streamID, []byte, error) {
	end := "+"
	for {
		msgs, err := b.client.XRevRangeN(ctx, snapshotsKey(network), end, "-", redisPage).Result()
		if err != nil {
			return streamID{}, nil, fmt.Errorf("failed to read snapshots: %w", err)
		}
		for _, msg := range msgs {
			line, _ := msg.Values["line"].(string)
			id, err := parseStreamID(line)
			if err != nil || id.after(upTo) {
				continue
			}
			data, _ := msg.Values["state"].(string)
			return id, []byte(data), nil
		}
		if len(msgs) < redisPage {
			return streamID{}, nil, fmt.Errorf("%w: no snapshot before marker", ErrNoState)
		}
		end = "(" + msgs[len(msgs)-1].ID
	}
}

// lines visits the entries with from < id <= to
func (b *redisBackend) lines(ctx context.Context, network string, from, to streamID, fn func(redis.XMessage) error) error {
	if !to.after(from) {
		return nil
	}
	start := "(" + from.String()
	for {
		msgs, err := b.client.XRangeN(ctx, linesKey(network), start, to.String(), redisPage).Result()
		if err != nil {
			return fmt.Errorf("failed to read lines: %w", err)
		}
		for _, msg := range msgs {
			if err := fn(msg); err != nil {
				return err
			}
		}
		if len(msgs) < redisPage {
			return nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

func decodeEntry(msg redis.XMessage) (*irc.Line, Direction, time.Time, error) {
	raw, _ := msg.Values["raw"].(string)
	l, err := irc.Parse(raw)
	if err != nil {
		return nil, 0, time.Time{}, fmt.Errorf("stored line %s: %w", msg.ID, err)
	}
	dir, _ := msg.Values["dir"].(string)
	var t time.Time
	if s, ok := msg.Values["time"].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t = time.UnixMilli(ms)
		}
	}
	return l, ParseDirection(dir), t, nil
}

func (b *redisBackend) GetState(network string, m Marker) (*state.State, error) {
	rm, err := b.marker(m)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	snapID, data, err := b.findSnapshot(ctx, network, rm.id)
	if err != nil {
		return nil, err
	}
	st, err := state.UnmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoState, err)
	}
	err = b.lines(ctx, network, snapID, rm.id, func(msg redis.XMessage) error {
		l, dir, _, err := decodeEntry(msg)
		if err != nil {
			return err
		}
		replay(st, l, dir)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (b *redisBackend) Traverse(network string, from, to Marker, fn Visitor) error {
	fm, err := b.marker(from)
	if err != nil {
		return err
	}
	tm, err := b.marker(to)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return b.lines(ctx, network, fm.id, tm.id, func(msg redis.XMessage) error {
		l, dir, t, err := decodeEntry(msg)
		if err != nil {
			return err
		}
		return fn(l, dir, t)
	})
}

func (b *redisBackend) FreeMarker(Marker) {}
