package offcache

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
)

type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActive
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed-inactive"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type LifecycleOptions struct {
	Version string
	Origin  *url.URL
	// Shell lists the paths precached into the static store on install.
	Shell    []string
	Registry Registry
	Fetcher  Fetcher
	Locker   Locker
	LockTTL  time.Duration
	MaxWait  time.Duration
	// MaxEntry rejects oversized shell bodies before anything is written;
	// 0 is unbounded.
	MaxEntry int64
}

// Lifecycle moves one cache generation through install and activate.
// Install warms the static store of the new version; Activate deletes every
// store that does not belong to it.
type Lifecycle struct {
	opts LifecycleOptions

	mu    sync.Mutex
	state State
}

func NewLifecycle(opts LifecycleOptions) *Lifecycle {
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Second
	}
	return &Lifecycle{opts: opts}
}

func (l *Lifecycle) Version() string { return l.opts.Version }

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) Active() bool { return l.State() == StateActive }

// StoreName returns the current-version name for a logical store.
func (l *Lifecycle) StoreName(logical string) string {
	return storeName(logical, l.opts.Version)
}

func (l *Lifecycle) currentNames() map[string]struct{} {
	out := make(map[string]struct{}, len(logicalStores))
	for _, logical := range logicalStores {
		out[l.StoreName(logical)] = struct{}{}
	}
	return out
}

func (l *Lifecycle) transition(from []State, to State) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.state
	for _, s := range from {
		if cur == s {
			l.state = to
			return cur, true
		}
	}
	return cur, false
}

func (l *Lifecycle) set(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Install precaches the shell set into the static store. It is all or
// nothing: if any shell fetch or write fails the new static store is removed
// and the lifecycle stays uninstalled. A static store that already holds
// every shell resource, as after a restart, is reused without the network.
// Installing an installed or active lifecycle is a no-op.
func (l *Lifecycle) Install(ctx context.Context) error {
	cur, ok := l.transition([]State{StateUninstalled}, StateInstalling)
	if !ok {
		if cur == StateInstalling {
			return fmt.Errorf("install while %s: %w", cur, ErrInvalidTransition)
		}
		return nil
	}

	if err := l.install(ctx); err != nil {
		l.set(StateUninstalled)
		return err
	}
	l.set(StateInstalled)
	log.Printf("lifecycle: version=%s state=%s shell=%d", l.opts.Version, StateInstalled, len(l.opts.Shell))
	return nil
}

type shellResource struct {
	url *url.URL
	key string
	ent Entry
}

func (l *Lifecycle) install(ctx context.Context) error {
	unlock, err := acquire(ctx, l.opts.Locker, lifecycleLockKey, l.opts.LockTTL, l.opts.MaxWait)
	if err != nil {
		return fmt.Errorf("install %s: %w", l.opts.Version, err)
	}
	defer l.release(ctx, unlock)

	shell := make([]shellResource, 0, len(l.opts.Shell))
	for _, p := range l.opts.Shell {
		u, err := resolvePath(l.opts.Origin, p)
		if err != nil {
			return platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "shell resource %q", p)
		}
		shell = append(shell, shellResource{url: u, key: requestKey(http.MethodGet, u)})
	}

	name := l.StoreName(StaticStore)
	names, err := l.opts.Registry.Names(ctx)
	if err != nil {
		return fmt.Errorf("install %s: %w", l.opts.Version, err)
	}
	existed := slices.Contains(names, name)
	if existed && l.precached(ctx, name, shell) {
		log.Printf("lifecycle: version=%s shell already in store=%s", l.opts.Version, name)
		return nil
	}

	for i := range shell {
		res := &shell[i]
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.url.String(), nil)
		if err != nil {
			return platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "shell resource %s", res.url)
		}
		ent, err := l.opts.Fetcher.Fetch(ctx, req)
		if err != nil {
			return platformerrors.Wrapf(err, platformerrors.CodeUnavailable, "precache %s", res.url)
		}
		if !ent.OK() {
			return platformerrors.Newf(platformerrors.CodeUnavailable, "precache %s: status %d", res.url, ent.Status)
		}
		if limit := l.opts.MaxEntry; limit > 0 && int64(len(ent.Body)) > limit {
			return fmt.Errorf("precache %s: %d bytes: %w", res.url, len(ent.Body), ErrEntryTooLarge)
		}
		res.ent = ent
	}

	s, err := l.opts.Registry.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("install %s: %w", l.opts.Version, err)
	}
	for _, res := range shell {
		if err := s.Put(ctx, res.key, res.ent); err != nil {
			if !existed {
				l.discard(ctx, name)
			}
			return fmt.Errorf("install %s: %w", l.opts.Version, err)
		}
	}
	return nil
}

// precached reports whether store name holds every shell resource. Store
// errors report false so the shell is fetched again.
func (l *Lifecycle) precached(ctx context.Context, name string, shell []shellResource) bool {
	s, err := l.opts.Registry.Open(ctx, name)
	if err != nil {
		return false
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		return false
	}
	for _, res := range shell {
		if !slices.Contains(keys, res.key) {
			return false
		}
	}
	return true
}

func (l *Lifecycle) discard(ctx context.Context, name string) {
	if _, err := l.opts.Registry.Delete(context.WithoutCancel(ctx), name); err != nil {
		log.Printf("lifecycle: version=%s discard store=%s err=%v", l.opts.Version, name, err)
	}
}

func (l *Lifecycle) release(ctx context.Context, u Unlocker) {
	if err := u.Unlock(context.WithoutCancel(ctx)); err != nil {
		log.Printf("lifecycle: version=%s unlock err=%v", l.opts.Version, err)
	}
}

// Activate deletes every store that is not one of this version's stores and
// marks the lifecycle active. It returns the deleted store names.
func (l *Lifecycle) Activate(ctx context.Context) ([]string, error) {
	if cur := l.State(); cur != StateInstalled && cur != StateActive {
		return nil, fmt.Errorf("activate while %s: %w", cur, ErrInvalidTransition)
	}

	deleted, err := l.sweep(ctx)
	l.set(StateActive)
	if err != nil {
		// Serving continues from the current stores; the next activation
		// retries the sweep.
		log.Printf("lifecycle: version=%s sweep err=%v", l.opts.Version, err)
		return deleted, err
	}
	log.Printf("lifecycle: version=%s state=%s deleted=%v", l.opts.Version, StateActive, deleted)
	return deleted, nil
}

func (l *Lifecycle) sweep(ctx context.Context) ([]string, error) {
	unlock, err := acquire(ctx, l.opts.Locker, lifecycleLockKey, l.opts.LockTTL, l.opts.MaxWait)
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", l.opts.Version, err)
	}
	defer l.release(ctx, unlock)

	names, err := l.opts.Registry.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", l.opts.Version, err)
	}
	keep := l.currentNames()
	var deleted []string
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		existed, err := l.opts.Registry.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("activate %s: %w", l.opts.Version, err)
		}
		if !existed {
			continue
		}
		deleted = append(deleted, name)
		if logical, version, ok := splitStoreName(name); ok {
			log.Printf("lifecycle: retired store=%s version=%s", logical, version)
		} else {
			log.Printf("lifecycle: retired unversioned store=%q", name)
		}
	}
	return deleted, nil
}

const lifecycleLockKey = "offcache:lifecycle"

// resolvePath joins an origin and a path that may carry a query string.
func resolvePath(origin *url.URL, p string) (*url.URL, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, err
	}
	return resolve(origin, ref), nil
}

// resolve makes ref absolute against origin. Absolute refs are returned
// unchanged.
func resolve(origin *url.URL, ref *url.URL) *url.URL {
	if ref.IsAbs() {
		u := *ref
		return &u
	}
	u := *origin
	u.Path = strings.TrimRight(origin.Path, "/") + ref.Path
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return &u
}
