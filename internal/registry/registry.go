// Package registry tracks agent hosts and the instances placed on them from
// the controller side.
//
// Ownership boundary:
// - one RPC connection per host, re-created after transport failure
// - one-time bootstrap of hosts whose agent does not answer
// - instance name -> host directory
// - package upload dedup by size and digest
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/edgeproc/internal/bootstrap"
	"github.com/danmuck/edgeproc/internal/logging"
	"github.com/danmuck/edgeproc/internal/procman/pkgstore"
	"github.com/danmuck/edgeproc/internal/rpc"
	"github.com/jellydator/ttlcache/v3"
)

const DefaultPackageTTL = 10 * time.Minute

var (
	ErrUnknownHost     = errors.New("registry: unknown host")
	ErrUnknownInstance = errors.New("registry: unknown instance")
	ErrInstanceExists  = errors.New("registry: instance already registered")
)

// ShellOpener opens the bootstrap shell for a host.
type ShellOpener func(ctx context.Context) (bootstrap.Shell, error)

type Host struct {
	Name string
	// Addr is the agent's RPC address, host:port.
	Addr string
	// Shell enables bootstrap when the agent does not answer.
	Shell     ShellOpener
	Bootstrap bootstrap.Config
}

type (
	Dialer       func(ctx context.Context, addr string) (*rpc.Client, error)
	Bootstrapper func(ctx context.Context, sh bootstrap.Shell, cfg bootstrap.Config) (bootstrap.Result, error)
)

type Option func(*Registry)

func WithDialer(d Dialer) Option { return func(r *Registry) { r.dial = d } }

func WithBootstrapper(b Bootstrapper) Option { return func(r *Registry) { r.boot = b } }

func WithPackageTTL(d time.Duration) Option { return func(r *Registry) { r.packageTTL = d } }

// Registry is not safe for concurrent use.
type Registry struct {
	hosts        map[string]*HostConnection
	bootstrapped map[string]bool
	instances    map[string]string
	dial         Dialer
	boot         Bootstrapper
	packageTTL   time.Duration
}

func New(opts ...Option) *Registry {
	r := &Registry{
		hosts:        make(map[string]*HostConnection),
		bootstrapped: make(map[string]bool),
		instances:    make(map[string]string),
		dial: func(ctx context.Context, addr string) (*rpc.Client, error) {
			return rpc.Dial(ctx, addr, rpc.DefaultClientTimeout)
		},
		boot:       bootstrap.Run,
		packageTTL: DefaultPackageTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect returns a live connection to host, dialing again after a
// transport failure and bootstrapping the agent once if it does not answer.
func (r *Registry) Connect(ctx context.Context, host Host) (*HostConnection, error) {
	if strings.TrimSpace(host.Name) == "" {
		host.Name = host.Addr
	}
	hc := r.hosts[host.Name]
	if hc != nil && hc.client != nil && hc.client.Err() == nil {
		return hc, nil
	}
	if hc != nil && hc.client != nil {
		logging.Warnf("registry.Connect reconnecting host=%q err=%v", host.Name, hc.client.Err())
		_ = hc.client.Close()
		hc.client = nil
	}

	addr := host.Addr
	client, err := r.dial(ctx, addr)
	arch := ""
	if err != nil {
		if host.Shell == nil || r.bootstrapped[host.Name] {
			return nil, fmt.Errorf("registry: connect %s: %w", host.Name, err)
		}
		logging.Infof("registry.Connect agent not answering, bootstrapping host=%q addr=%s err=%v", host.Name, addr, err)
		res, berr := r.bootstrapHost(ctx, host)
		if berr != nil {
			return nil, berr
		}
		r.bootstrapped[host.Name] = true
		arch, addr = res.Arch, res.Addr
		client, err = r.dial(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("registry: connect %s after bootstrap: %w", host.Name, err)
		}
	}

	if hc == nil {
		hc = &HostConnection{
			Name: host.Name,
			packages: ttlcache.New[string, pkgstore.FileInfo](
				ttlcache.WithTTL[string, pkgstore.FileInfo](r.packageTTL),
				ttlcache.WithDisableTouchOnHit[string, pkgstore.FileInfo](),
			),
		}
		r.hosts[host.Name] = hc
	}
	hc.Addr = addr
	hc.client = client
	if arch != "" {
		hc.Arch = arch
	}
	logging.Infof("registry.Connect host=%q addr=%s", host.Name, addr)
	return hc, nil
}

func (r *Registry) bootstrapHost(ctx context.Context, host Host) (bootstrap.Result, error) {
	cfg := host.Bootstrap
	if h, p, err := net.SplitHostPort(host.Addr); err == nil {
		if cfg.Host == "" {
			cfg.Host = h
		}
		if cfg.Port == 0 {
			cfg.Port, _ = strconv.Atoi(p)
		}
	}
	sh, err := host.Shell(ctx)
	if err != nil {
		return bootstrap.Result{}, &bootstrap.StepError{Step: bootstrap.StepOpenShell, Err: err}
	}
	return r.boot(ctx, sh, cfg)
}

// Host returns the connection registered under name.
func (r *Registry) Host(name string) (*HostConnection, error) {
	hc, ok := r.hosts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	return hc, nil
}

func (r *Registry) hostFor(instance string) (*HostConnection, error) {
	name, ok := r.instances[instance]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instance)
	}
	return r.Host(name)
}

// Instances returns registered instance names, sorted.
func (r *Registry) Instances() []string {
	out := make([]string, 0, len(r.instances))
	for name := range r.instances {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// InstanceHost reports which host an instance lives on.
func (r *Registry) InstanceHost(instance string) (string, bool) {
	h, ok := r.instances[instance]
	return h, ok
}

// Create places a new instance on host. opts are create options such as
// pkg=web or bin=/usr/bin/app.
func (r *Registry) Create(ctx context.Context, host, instance string, opts ...string) error {
	if h, ok := r.instances[instance]; ok {
		return fmt.Errorf("%w: %s on %s", ErrInstanceExists, instance, h)
	}
	hc, err := r.Host(host)
	if err != nil {
		return err
	}
	if _, err := hc.Do(ctx, "create", append([]string{instance}, opts...)...); err != nil {
		return err
	}
	r.instances[instance] = host
	return nil
}

func (r *Registry) Start(ctx context.Context, instance string) (int, error) {
	hc, err := r.hostFor(instance)
	if err != nil {
		return 0, err
	}
	msg, err := hc.Do(ctx, "start", instance)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(msg))
	if err != nil {
		return 0, fmt.Errorf("registry: start %s: unexpected reply %q", instance, msg)
	}
	return pid, nil
}

// Stop returns the agent's stop message: the exit status, "already
// stopped <status>" or "not running".
func (r *Registry) Stop(ctx context.Context, instance string) (string, error) {
	hc, err := r.hostFor(instance)
	if err != nil {
		return "", err
	}
	return hc.Do(ctx, "stop", instance)
}

func (r *Registry) Destroy(ctx context.Context, instance string) error {
	hc, err := r.hostFor(instance)
	if err != nil {
		return err
	}
	if _, err := hc.Do(ctx, "destroy", instance); err != nil {
		return err
	}
	delete(r.instances, instance)
	return nil
}

func (r *Registry) Query(ctx context.Context, instance, field string) (string, error) {
	hc, err := r.hostFor(instance)
	if err != nil {
		return "", err
	}
	return hc.Do(ctx, "query", instance, field)
}

// Binding reads a value published by the instance's installer.
func (r *Registry) Binding(ctx context.Context, instance, key string) (string, error) {
	return r.Query(ctx, instance, "binding:"+key)
}

// Wait blocks until the instance settles and returns "<status> <exit>" or
// "destroyed". A destroyed instance leaves the directory.
func (r *Registry) Wait(ctx context.Context, instance string) (string, error) {
	hc, err := r.hostFor(instance)
	if err != nil {
		return "", err
	}
	msg, err := hc.Do(ctx, "wait", instance)
	if err == nil && msg == "destroyed" {
		delete(r.instances, instance)
	}
	return msg, err
}

// PushPackage uploads a local package file to host unless the agent
// already holds the same size and digest, then activates it.
func (r *Registry) PushPackage(ctx context.Context, host, pkg, localPath string) (pkgstore.FileInfo, bool, error) {
	hc, err := r.Host(host)
	if err != nil {
		return pkgstore.FileInfo{}, false, err
	}
	info, err := pkgstore.DigestFile(localPath)
	if err != nil {
		return pkgstore.FileInfo{}, false, err
	}
	uploaded := false
	if !hc.hasPackage(ctx, pkg, info) {
		if err := hc.upload(ctx, pkg, localPath, info); err != nil {
			return info, false, err
		}
		uploaded = true
	} else {
		logging.Infof("registry.PushPackage up to date host=%q pkg=%q file=%q digest=%s", host, pkg, info.Name, info.Digest)
	}
	if _, err := hc.Do(ctx, "install", pkg, info.Name); err != nil {
		return info, uploaded, err
	}
	return info, uploaded, nil
}

// Close drops every host connection.
func (r *Registry) Close() error {
	var errs []error
	for _, hc := range r.hosts {
		if hc.client != nil {
			if err := hc.client.Close(); err != nil && !errors.Is(err, rpc.ErrClosed) {
				errs = append(errs, err)
			}
			hc.client = nil
		}
	}
	return errors.Join(errs...)
}

// HostConnection is the controller's handle on one agent.
type HostConnection struct {
	Name     string
	Addr     string
	Arch     string
	client   *rpc.Client
	packages *ttlcache.Cache[string, pkgstore.FileInfo]
}

func (hc *HostConnection) Client() *rpc.Client { return hc.client }

// Do sends one request and returns the success message.
func (hc *HostConnection) Do(ctx context.Context, verb string, args ...string) (string, error) {
	if hc.client == nil {
		return "", fmt.Errorf("registry: host %s not connected", hc.Name)
	}
	return hc.client.Do(ctx, verb, args...)
}

func packageKey(pkg, file string) string { return pkg + "/" + file }

// hasPackage checks the cache, refreshing it from show-packages on a miss.
func (hc *HostConnection) hasPackage(ctx context.Context, pkg string, want pkgstore.FileInfo) bool {
	key := packageKey(pkg, want.Name)
	item := hc.packages.Get(key)
	if item == nil {
		if err := hc.refreshPackages(ctx); err != nil {
			logging.Warnf("registry.hasPackage refresh failed host=%q err=%v", hc.Name, err)
			return false
		}
		item = hc.packages.Get(key)
	}
	if item == nil {
		return false
	}
	got := item.Value()
	return got.Size == want.Size && got.Digest == want.Digest
}

func (hc *HostConnection) refreshPackages(ctx context.Context) error {
	msg, err := hc.Do(ctx, "show-packages")
	if err != nil {
		return err
	}
	for pkg, files := range parsePackages(msg) {
		for _, f := range files {
			hc.packages.Set(packageKey(pkg, f.Name), f, ttlcache.DefaultTTL)
		}
	}
	return nil
}

func (hc *HostConnection) upload(ctx context.Context, pkg, localPath string, info pkgstore.FileInfo) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	args := []string{pkg, info.Name, strconv.FormatInt(info.Size, 10)}
	resp, err := hc.client.CallWithPayload(ctx, "take-pkg", args, f, info.Size)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("registry: take-pkg %s/%s: %s", pkg, info.Name, resp.Message)
	}
	if digest := strings.TrimSpace(resp.Message); digest != info.Digest {
		hc.packages.Delete(packageKey(pkg, info.Name))
		return fmt.Errorf("registry: take-pkg %s/%s: digest mismatch local=%s remote=%s", pkg, info.Name, info.Digest, digest)
	}
	hc.packages.Set(packageKey(pkg, info.Name), info, ttlcache.DefaultTTL)
	logging.Infof("registry.upload host=%q pkg=%q file=%q size=%d", hc.Name, pkg, info.Name, info.Size)
	return nil
}

// parsePackages reads show-packages output:
// `name current=<dir> files=<file>:<size>:<digest>,...`.
func parsePackages(msg string) map[string][]pkgstore.FileInfo {
	out := make(map[string][]pkgstore.FileInfo)
	for _, line := range strings.Split(msg, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		out[name] = nil
		for _, field := range fields[1:] {
			list, ok := strings.CutPrefix(field, "files=")
			if !ok || list == "" {
				continue
			}
			for _, entry := range strings.Split(list, ",") {
				parts := strings.Split(entry, ":")
				if len(parts) != 3 {
					continue
				}
				size, err := strconv.ParseInt(parts[1], 10, 64)
				if err != nil {
					continue
				}
				out[name] = append(out[name], pkgstore.FileInfo{Name: parts[0], Size: size, Digest: parts[2]})
			}
		}
	}
	return out
}

// Attach records an instance that already exists on host, for example one
// created by an earlier controller run.
func (r *Registry) Attach(ctx context.Context, host, instance string) error {
	if h, ok := r.instances[instance]; ok {
		if h == host {
			return nil
		}
		return fmt.Errorf("%w: %s on %s", ErrInstanceExists, instance, h)
	}
	hc, err := r.Host(host)
	if err != nil {
		return err
	}
	if _, err := hc.Do(ctx, "query", instance, "status"); err != nil {
		return err
	}
	r.instances[instance] = host
	return nil
}
