package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kardianos/gokdc/krb5/ccache"
	"github.com/kardianos/gokdc/krb5/messages"
	"github.com/kardianos/gokdc/krblog"
)

// FileConfig configures NewFile. Zero fields take defaults.
type FileConfig struct {
	Path         string
	Principal    messages.Principal // default principal of a new file
	Version      uint8              // format of a new file, 4
	LockTimeout  time.Duration      // 5 seconds
	WriteRetries int                // 5
	Skew         time.Duration      // DefaultSkew
	Now          func() time.Time
	Logger       *krblog.Logger
}

// File is a TicketStore over an MIT credential cache file. Every operation
// holds the cross-process lock, re-reads the file and, for mutations,
// rewrites it whole.
//
// Tickets are stored as credentials. []byte values are stored as
// X-CACHECONF entries named by key and container.
type File struct {
	cfg      FileConfig
	lockName string
}

var _ TicketStore = (*File)(nil)

// NewFile returns a file cache at cfg.Path. The file is created on first write.
func NewFile(cfg FileConfig) (*File, error) {
	if cfg.Path == "" {
		return nil, errors.New("cache: file path required")
	}
	if cfg.Version == 0 {
		cfg.Version = 4
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 5
	}
	if cfg.Skew == 0 {
		cfg.Skew = DefaultSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	name, err := LockPath(cfg.Path)
	if err != nil {
		return nil, err
	}
	return &File{cfg: cfg, lockName: name}, nil
}

// Path returns the cache file path.
func (f *File) Path() string { return f.cfg.Path }

func (f *File) read() (*ccache.CCache, error) {
	c, err := ccache.Load(f.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		c = ccache.New(f.cfg.Principal)
		c.Version = f.cfg.Version
		return c, nil
	}
	return c, err
}

func (f *File) locked(ctx context.Context, fn func() error) error {
	l, err := acquireLock(ctx, f.lockName, f.cfg.LockTimeout)
	if err != nil {
		return err
	}
	err = fn()
	if rerr := l.release(); err == nil && rerr != nil {
		err = fmt.Errorf("release cache lock: %w", rerr)
	}
	return err
}

func (f *File) view(ctx context.Context, fn func(c *ccache.CCache) error) error {
	return f.locked(ctx, func() error {
		c, err := f.read()
		if err != nil {
			return err
		}
		return fn(c)
	})
}

func (f *File) update(ctx context.Context, fn func(c *ccache.CCache) error) error {
	return f.locked(ctx, func() error {
		c, err := f.read()
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		b, err := c.Marshal()
		if err != nil {
			return err
		}
		if err := writeFile(f.cfg.Path, b, f.cfg.WriteRetries); err != nil {
			return fmt.Errorf("write ccache %s: %w", f.cfg.Path, err)
		}
		f.cfg.Logger.Tracef(krblog.AreaCache, "wrote %s: %d credentials", f.cfg.Path, len(c.Credentials))
		return nil
	})
}

// Snapshot returns the current file contents.
func (f *File) Snapshot(ctx context.Context) (*ccache.CCache, error) {
	var out *ccache.CCache
	err := f.view(ctx, func(c *ccache.CCache) error {
		out = c
		return nil
	})
	return out, err
}

func (f *File) Add(ctx context.Context, e Entry) error {
	if cred, ok := credentialOf(e.Value); ok {
		return f.AddTicket(ctx, cred)
	}
	b, ok := e.Value.([]byte)
	if !ok {
		return fmt.Errorf("%w: %T in file cache", ErrUnsupportedValue, e.Value)
	}
	return f.update(ctx, func(c *ccache.CCache) error {
		c.SetConfig(e.Key, e.Container, b)
		return nil
	})
}

func (f *File) find(c *ccache.CCache, key, container string) (any, bool) {
	want := Key(container, key)
	now := f.cfg.Now()
	for _, cred := range c.Tickets() {
		if Key(cred.Client.String(), cred.Server.String()) != want {
			continue
		}
		if TicketEntry(cred).expired(now, f.cfg.Skew) {
			continue
		}
		return cred, true
	}
	if v, ok := c.Config(key, container); ok {
		return v, true
	}
	return nil, false
}

func (f *File) Contains(ctx context.Context, key, container string) (bool, error) {
	var found bool
	err := f.view(ctx, func(c *ccache.CCache) error {
		_, found = f.find(c, key, container)
		return nil
	})
	return found, err
}

func (f *File) Get(ctx context.Context, key, container string) (any, error) {
	var v any
	err := f.view(ctx, func(c *ccache.CCache) error {
		var ok bool
		if v, ok = f.find(c, key, container); !ok {
			return ErrNotFound
		}
		return nil
	})
	return v, err
}

// Purge deletes the cache file.
func (f *File) Purge(ctx context.Context) error {
	return f.locked(ctx, func() error {
		err := os.Remove(f.cfg.Path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	})
}

func (f *File) Close() error { return nil }

func (f *File) AddTicket(ctx context.Context, cred ccache.Credential) error {
	return f.update(ctx, func(c *ccache.CCache) error {
		if len(c.DefaultPrincipal.Name.NameString) == 0 {
			c.DefaultPrincipal = cred.Client
		}
		c.Add(cred)
		return nil
	})
}

func (f *File) GetTicket(ctx context.Context, client, server messages.Principal) (*ccache.Credential, error) {
	v, err := f.Get(ctx, server.String(), client.String())
	if err != nil {
		return nil, err
	}
	cred, ok := credentialOf(v)
	if !ok {
		return nil, ErrNotFound
	}
	return &cred, nil
}

// PurgeTickets removes tickets and keeps configuration entries.
func (f *File) PurgeTickets(ctx context.Context) error {
	return f.update(ctx, func(c *ccache.CCache) error {
		kept := c.Credentials[:0]
		for _, cred := range c.Credentials {
			if cred.IsConfig() {
				kept = append(kept, cred)
			}
		}
		c.Credentials = kept
		return nil
	})
}
