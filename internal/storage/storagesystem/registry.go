package storagesystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jdillenkofer/pacsarc/internal/config"
)

var ErrUnknownStorageSystem = errors.New("unknown storage system")
var ErrStorageSystemAlreadyRegistered = errors.New("storage system already registered")

type Status string

const (
	StatusOK   Status = "OK"
	StatusFull Status = "FULL"
)

const defaultCapacityCacheSize = 256

type System struct {
	SystemId     string
	GroupId      string
	ReadOnly     bool
	MinFreeSpace string
	Provider     Provider
}

type Capacity struct {
	Usable int64
	Total  int64
}

// Registry tracks the storage systems of the archive together with their runtime status and dirty flags.
type Registry struct {
	mu       sync.RWMutex
	systems  map[string]*System
	groups   map[string][]string
	status   map[string]Status
	dirty    map[string]bool
	capacity *expirable.LRU[string, Capacity]
}

func NewRegistry(capacityTTL time.Duration) *Registry {
	return &Registry{
		systems:  map[string]*System{},
		groups:   map[string][]string{},
		status:   map[string]Status{},
		dirty:    map[string]bool{},
		capacity: expirable.NewLRU[string, Capacity](defaultCapacityCacheSize, nil, capacityTTL),
	}
}

func (r *Registry) Register(system *System) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.systems[system.SystemId]; ok {
		return fmt.Errorf("%w: %s", ErrStorageSystemAlreadyRegistered, system.SystemId)
	}
	r.systems[system.SystemId] = system
	r.groups[system.GroupId] = append(r.groups[system.GroupId], system.SystemId)
	r.status[system.SystemId] = StatusOK
	return nil
}

func (r *Registry) System(systemId string) (*System, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	system, ok := r.systems[systemId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStorageSystem, systemId)
	}
	return system, nil
}

func (r *Registry) Provider(systemId string) (Provider, error) {
	system, err := r.System(systemId)
	if err != nil {
		return nil, err
	}
	return system.Provider, nil
}

// GroupSystems returns the systems of groupId in registration order.
func (r *Registry) GroupSystems(groupId string) []*System {
	r.mu.RLock()
	defer r.mu.RUnlock()
	systems := make([]*System, 0, len(r.groups[groupId]))
	for _, systemId := range r.groups[groupId] {
		systems = append(systems, r.systems[systemId])
	}
	return systems
}

func (r *Registry) Systems() []*System {
	r.mu.RLock()
	defer r.mu.RUnlock()
	systems := make([]*System, 0, len(r.systems))
	for _, systemIds := range r.groups {
		for _, systemId := range systemIds {
			systems = append(systems, r.systems[systemId])
		}
	}
	return systems
}

func (r *Registry) Status(systemId string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status[systemId]
}

func (r *Registry) SetStatus(systemId string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[systemId] = status
}

func (r *Registry) IsDirty(systemId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty[systemId]
}

func (r *Registry) SetDirty(systemId string, dirty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty[systemId] = dirty
}

// Capacity returns a cached snapshot of the usable and total space of systemId.
func (r *Registry) Capacity(ctx context.Context, systemId string) (*Capacity, error) {
	if c, ok := r.capacity.Get(systemId); ok {
		return &c, nil
	}
	provider, err := r.Provider(systemId)
	if err != nil {
		return nil, err
	}
	usable, err := provider.UsableSpace(ctx)
	if err != nil {
		return nil, err
	}
	total, err := provider.TotalSpace(ctx)
	if err != nil {
		return nil, err
	}
	c := Capacity{Usable: usable, Total: total}
	r.capacity.Add(systemId, c)
	return &c, nil
}

func (r *Registry) InvalidateCapacity(systemId string) {
	r.capacity.Remove(systemId)
}

func (r *Registry) MinFreeSpace(ctx context.Context, systemId string) (int64, error) {
	system, err := r.System(systemId)
	if err != nil {
		return 0, err
	}
	if system.MinFreeSpace == "" {
		return 0, nil
	}
	c, err := r.Capacity(ctx, systemId)
	if err != nil {
		return 0, err
	}
	return config.ParseMinFreeSpace(system.MinFreeSpace, c.Total)
}

// HasFreeSpace reports whether the usable space of systemId exceeds its minimum free space.
func (r *Registry) HasFreeSpace(ctx context.Context, systemId string) (bool, error) {
	c, err := r.Capacity(ctx, systemId)
	if err != nil {
		return false, err
	}
	minFree, err := r.MinFreeSpace(ctx, systemId)
	if err != nil {
		return false, err
	}
	return c.Usable > minFree, nil
}

// IsWritable flags a system FULL and dirty once its free space drops below the threshold.
func (r *Registry) IsWritable(ctx context.Context, systemId string) (bool, error) {
	system, err := r.System(systemId)
	if err != nil {
		return false, err
	}
	if system.ReadOnly || r.Status(systemId) != StatusOK {
		return false, nil
	}
	ok, err := r.HasFreeSpace(ctx, systemId)
	if err != nil {
		return false, err
	}
	if !ok {
		c, _ := r.Capacity(ctx, systemId)
		usable := int64(0)
		if c != nil {
			usable = c.Usable
		}
		slog.Warn(fmt.Sprintf("Storage system %s of group %s is full, usable space %s", systemId, system.GroupId, humanize.IBytes(uint64(max(usable, 0)))))
		r.mu.Lock()
		r.status[systemId] = StatusFull
		r.dirty[systemId] = true
		r.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (r *Registry) Start(ctx context.Context) error {
	for _, system := range r.Systems() {
		err := system.Provider.Start(ctx)
		if err != nil {
			return fmt.Errorf("start storage system %s: %w", system.SystemId, err)
		}
	}
	return nil
}

func (r *Registry) Stop(ctx context.Context) error {
	var err error
	for _, system := range r.Systems() {
		err = errors.Join(err, system.Provider.Stop(ctx))
	}
	return err
}
