package broadcast

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// defaultIdleGrace is how long a tail with no subscribers is kept alive
// after the last disconnect, so a reconnecting observer does not pay the
// startup cost again. An explicit unsubscribe skips the grace period.
const defaultIdleGrace = 30 * time.Second

// TailFunc opens a follow-mode log stream for a service.
type TailFunc func(ctx context.Context, service string) (io.ReadCloser, error)

// PublishFunc delivers one log line to the service's topic subscribers and
// returns how many were reached.
type PublishFunc func(service, line string) int

// LogMux multiplexes one log tail per distinct service across every
// subscriber of that service's topic. Tails are ref-counted: started at
// most once, torn down when the last subscriber leaves, never before and
// never duplicated.
type LogMux struct {
	open      TailFunc
	publish   PublishFunc
	idleGrace time.Duration

	mu    sync.Mutex
	tails map[string]*tail
}

type tail struct {
	refs      int
	cancel    context.CancelFunc
	done      chan struct{}
	idleTimer *time.Timer
}

// NewLogMux creates a multiplexer over the given tail opener.
func NewLogMux(open TailFunc, publish PublishFunc, idleGrace time.Duration) *LogMux {
	if idleGrace <= 0 {
		idleGrace = defaultIdleGrace
	}
	return &LogMux{
		open:      open,
		publish:   publish,
		idleGrace: idleGrace,
		tails:     make(map[string]*tail),
	}
}

// Acquire registers one subscriber for a service's log stream, starting
// the underlying tail if this is the first.
func (m *LogMux) Acquire(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tails[service]
	if exists {
		t.refs++
		if t.idleTimer != nil {
			t.idleTimer.Stop()
			t.idleTimer = nil
		}
		log.Debug().Str("service", service).Int("refs", t.refs).Msg("Log tail subscriber added")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t = &tail{
		refs:   1,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.tails[service] = t

	go m.run(ctx, service, t)
	log.Info().Str("service", service).Msg("Log tail started")
}

// Release drops one subscriber. When the last one leaves, the tail stops
// immediately on explicit unsubscribe, or after the idle grace period on
// disconnect.
func (m *LogMux) Release(service string, immediate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tails[service]
	if !exists {
		return
	}

	t.refs--
	if t.refs > 0 {
		log.Debug().Str("service", service).Int("refs", t.refs).Msg("Log tail subscriber removed")
		return
	}

	if immediate {
		m.stopLocked(service, t)
		return
	}

	t.idleTimer = time.AfterFunc(m.idleGrace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.tails[service]
		if ok && cur == t && cur.refs == 0 {
			m.stopLocked(service, cur)
		}
	})
	log.Debug().Str("service", service).Dur("grace", m.idleGrace).Msg("Log tail idle, teardown scheduled")
}

// ActiveTails returns the number of running tails.
func (m *LogMux) ActiveTails() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tails)
}

// Refs returns the subscriber count for a service's tail.
func (m *LogMux) Refs(service string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tails[service]; ok {
		return t.refs
	}
	return 0
}

// Stop tears down every tail: cancel first, then a bounded wait before
// giving up on an unresponsive stream.
func (m *LogMux) Stop() {
	m.mu.Lock()
	tails := make(map[string]*tail, len(m.tails))
	for svc, t := range m.tails {
		tails[svc] = t
	}
	m.tails = make(map[string]*tail)
	m.mu.Unlock()

	for svc, t := range tails {
		if t.idleTimer != nil {
			t.idleTimer.Stop()
		}
		t.cancel()
		select {
		case <-t.done:
		case <-time.After(5 * time.Second):
			log.Warn().Str("service", svc).Msg("Log tail did not stop within grace period")
		}
	}
}

// stopLocked removes and cancels a tail. Caller holds m.mu.
func (m *LogMux) stopLocked(service string, t *tail) {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	t.cancel()
	delete(m.tails, service)
	log.Info().Str("service", service).Msg("Log tail stopped")
}

// run pumps log lines from the tail to the topic subscribers, reconnecting
// with a growing delay while subscribers remain.
func (m *LogMux) run(ctx context.Context, service string, t *tail) {
	defer close(t.done)

	retryDelay := time.Second
	const maxRetryDelay = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := m.pump(ctx, service)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("service", service).Dur("retry_delay", retryDelay).Msg("Log tail interrupted, retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (m *LogMux) pump(ctx context.Context, service string) error {
	reader, err := m.open(ctx, service)
	if err != nil {
		return err
	}
	defer reader.Close()

	// Close the stream when the context is cancelled so the scanner
	// unblocks.
	go func() {
		<-ctx.Done()
		reader.Close()
	}()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	for scanner.Scan() {
		line := stripStreamHeader(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		m.publish(service, string(line))
	}
	return scanner.Err()
}

// stripStreamHeader removes the 8-byte multiplexing header the container
// runtime prefixes to each log frame on non-TTY streams.
func stripStreamHeader(line []byte) []byte {
	if len(line) >= 8 && (line[0] == 0x01 || line[0] == 0x02) && line[1] == 0 && line[2] == 0 && line[3] == 0 {
		return line[8:]
	}
	return line
}
