// Package cacheguard maps derivative paths to files under the cache root and
// makes sure only one producer builds a file at a time, across goroutines
// and processes sharing the directory.
//
// A producer holds "<file>.lock", created with O_EXCL, and writes to its
// own "<file>.<random>.part". Commit renames the part file into place, so
// the final path only ever appears complete. Followers poll for the final
// path and give up when the lock disappears without it. A producer keeps
// its lock fresh while it works; a lock older than StaleAfter belongs to a
// dead producer and may be taken over.
package cacheguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/mediaserver/horosafe"
	"github.com/hazyhaar/mediaserver/idgen"
)

const (
	lockSuffix = ".lock"
	partSuffix = ".part"
)

// ErrProducerFailed is returned to a follower when the producer released its
// lock without committing.
var ErrProducerFailed = errors.New("cacheguard: producer failed")

// Options tunes a Guard.
type Options struct {
	// StaleAfter is the age at which a lock is considered abandoned by a
	// crashed producer. Produce refreshes its lock every StaleAfter/4.
	// Default 10m.
	StaleAfter time.Duration
	// PollInterval for followers waiting on a producer. Default 50ms.
	PollInterval time.Duration
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Guard is safe for concurrent use.
type Guard struct {
	root  string
	opts  Options
	group singleflight.Group
}

// New returns a Guard rooted at root. The directory is created on demand.
func New(root string, opts Options) *Guard {
	opts.defaults()
	return &Guard{root: filepath.Clean(root), opts: opts}
}

// Root is the cache root.
func (g *Guard) Root() string { return g.root }

// Path resolves a derivative path under the root.
func (g *Guard) Path(key string) (string, error) {
	if strings.Trim(key, `/\`) == "" {
		return "", fmt.Errorf("cacheguard: empty derivative path")
	}
	p, err := horosafe.SafePath(g.root, key)
	if err != nil {
		return "", fmt.Errorf("cacheguard: %q: %w", key, err)
	}
	return p, nil
}

// Claim is the producer's right to build one file.
type Claim struct {
	// Path is the final location.
	Path string
	// Temp is where the producer writes. It is unique to the claim.
	Temp  string
	lock  string
	token string
	done  bool
}

type lockOwner struct {
	Token     string `json:"token"`
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// AcquireOrReuse claims key. Exactly one concurrent caller gets a Claim and
// alreadyExists=false; the others get alreadyExists=true and must Wait
// before reading the file.
func (g *Guard) AcquireOrReuse(key string) (claim *Claim, alreadyExists bool, err error) {
	path, err := g.Path(key)
	if err != nil {
		return nil, false, err
	}
	if exists(path) {
		return nil, true, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("cacheguard: %w", err)
	}

	lock := path + lockSuffix
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			owner := lockOwner{
				Token:     idgen.Default(),
				PID:       os.Getpid(),
				CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
				Hostname:  hostname(),
			}
			json.NewEncoder(f).Encode(owner)
			f.Close()
			c := &Claim{Path: path, lock: lock, token: owner.Token}
			// A producer may have committed between the first check and
			// the lock.
			if exists(path) {
				c.release()
				return nil, true, nil
			}
			tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+partSuffix)
			if err != nil {
				c.release()
				return nil, false, fmt.Errorf("cacheguard: temp: %w", err)
			}
			tmp.Close()
			c.Temp = tmp.Name()
			return c, false, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, false, fmt.Errorf("cacheguard: lock: %w", err)
		}
		if !g.stale(lock) {
			return nil, true, nil
		}
		g.opts.Logger.Warn("cacheguard: removing stale lock", "path", path)
		os.Remove(lock)
	}
	return nil, true, nil
}

// Commit moves the produced file into place and releases the lock.
func (c *Claim) Commit() error {
	if c.done {
		return nil
	}
	c.done = true
	defer c.release()
	if err := os.Rename(c.Temp, c.Path); err != nil {
		os.Remove(c.Temp)
		return fmt.Errorf("cacheguard: commit: %w", err)
	}
	return nil
}

// Abort removes the partial file and releases the lock. It is a no-op after
// Commit, so it can be deferred.
func (c *Claim) Abort() {
	if c.done {
		return
	}
	c.done = true
	os.Remove(c.Temp)
	c.release()
}

// owned reports whether the lock file still carries this claim's token. It
// does not once the lock went stale and another producer took it over.
func (c *Claim) owned() bool {
	b, err := os.ReadFile(c.lock)
	if err != nil {
		return false
	}
	var o lockOwner
	return json.Unmarshal(b, &o) == nil && o.Token == c.token
}

func (c *Claim) release() {
	if c.owned() {
		os.Remove(c.lock)
	}
}

// keepAlive touches the lock every interval until stop is called.
func (c *Claim) keepAlive(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if !c.owned() {
					return
				}
				now := time.Now()
				os.Chtimes(c.lock, now, now)
			}
		}
	}()
	return func() { close(done) }
}

// Wait blocks until key is committed. It fails with ErrProducerFailed when
// the producer gives up or its lock goes stale.
func (g *Guard) Wait(ctx context.Context, key string) (string, error) {
	path, err := g.Path(key)
	if err != nil {
		return "", err
	}
	lock := path + lockSuffix
	t := time.NewTicker(g.opts.PollInterval)
	defer t.Stop()
	for {
		if exists(path) {
			return path, nil
		}
		if _, err := os.Stat(lock); errors.Is(err, fs.ErrNotExist) {
			// The producer may have committed right after the first check.
			if exists(path) {
				return path, nil
			}
			return "", fmt.Errorf("%w: %s", ErrProducerFailed, key)
		}
		if g.stale(lock) {
			return "", fmt.Errorf("%w: stale lock on %s", ErrProducerFailed, key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

// ProduceFunc writes the derivative to tmp.
type ProduceFunc func(ctx context.Context, tmp string) error

type result struct {
	path     string
	produced bool
}

// Produce returns the path of key, building it with fn when nobody else has.
// produced reports whether this call ran fn. Callers in the same process
// share one attempt; callers in other processes wait on the lock.
//
// The shared attempt does not see ctx cancellation: a caller that gives up
// returns ctx.Err() while the others keep waiting for the result.
func (g *Guard) Produce(ctx context.Context, key string, fn ProduceFunc) (path string, produced bool, err error) {
	ran := false
	sctx := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (any, error) {
		ran = true
		claim, exists, err := g.AcquireOrReuse(key)
		if err != nil {
			return nil, err
		}
		if exists {
			p, err := g.Wait(sctx, key)
			return result{path: p}, err
		}
		defer claim.Abort()
		stop := claim.keepAlive(g.opts.StaleAfter / 4)
		err = fn(sctx, claim.Temp)
		stop()
		if err != nil {
			return nil, err
		}
		if err := claim.Commit(); err != nil {
			return nil, err
		}
		return result{path: claim.Path, produced: true}, nil
	})
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", false, res.Err
		}
		r := res.Val.(result)
		return r.path, r.produced && ran, nil
	}
}

// Touch marks key as recently used so pruning keeps it.
func (g *Guard) Touch(key string) error {
	path, err := g.Path(key)
	if err != nil {
		return err
	}
	now := time.Now()
	return os.Chtimes(path, now, now)
}

// Lookup returns the committed path of key, or false when it is absent.
func (g *Guard) Lookup(key string) (string, bool) {
	path, err := g.Path(key)
	if err != nil || !exists(path) {
		return "", false
	}
	return path, true
}

func (g *Guard) stale(lock string) bool {
	fi, err := os.Stat(lock)
	if err != nil {
		return false
	}
	return time.Since(fi.ModTime()) > g.opts.StaleAfter
}

func exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
