package libvirt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
)

var ErrVolumeNotFound = errors.New("storage volume not found")

// StorageClient is the subset of *golibvirt.Libvirt used to resolve disk paths
// to storage volumes.
type StorageClient interface {
	ConnectListAllStoragePools(NeedResults int32, Flags golibvirt.ConnectListAllStoragePoolsFlags) ([]golibvirt.StoragePool, uint32, error)
	StoragePoolListAllVolumes(Pool golibvirt.StoragePool, NeedResults int32, Flags uint32) ([]golibvirt.StorageVol, uint32, error)
	StorageVolGetPath(Vol golibvirt.StorageVol) (string, error)
	StorageVolGetInfo(Vol golibvirt.StorageVol) (int8, uint64, uint64, error)
}

// DefaultMinReload bounds how often a miss may trigger a pool walk.
const DefaultMinReload = 30 * time.Second

// VolumeCache maps disk paths to storage volumes so that pools are not walked
// for every disk on every cycle. It is loaded lazily and reloaded on a miss,
// at most once per minReload; a path outside every pool misses cheaply until then.
type VolumeCache struct {
	client    StorageClient
	minReload time.Duration
	now       func() time.Time

	mu         sync.Mutex
	vols       map[string]golibvirt.StorageVol
	lastReload time.Time
}

func NewVolumeCache(client StorageClient) *VolumeCache {
	return &VolumeCache{
		client:    client,
		minReload: DefaultMinReload,
		now:       time.Now,
		vols:      map[string]golibvirt.StorageVol{},
	}
}

// Info returns the volume capacity and allocation in bytes for the disk at path.
func (c *VolumeCache) Info(ctx context.Context, path string) (uint64, uint64, error) {
	vol, err := c.lookup(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	_, capacity, allocation, err := c.client.StorageVolGetInfo(vol)
	if err != nil {
		return 0, 0, fmt.Errorf("volume info %s: %w", path, err)
	}
	return capacity, allocation, nil
}

func (c *VolumeCache) lookup(ctx context.Context, path string) (golibvirt.StorageVol, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vol, ok := c.vols[path]; ok {
		return vol, nil
	}
	if !c.lastReload.IsZero() && c.now().Sub(c.lastReload) < c.minReload {
		return golibvirt.StorageVol{}, fmt.Errorf("%w: %s", ErrVolumeNotFound, path)
	}
	if err := c.reloadLocked(ctx); err != nil {
		return golibvirt.StorageVol{}, err
	}
	vol, ok := c.vols[path]
	if !ok {
		return golibvirt.StorageVol{}, fmt.Errorf("%w: %s", ErrVolumeNotFound, path)
	}
	return vol, nil
}

func (c *VolumeCache) reloadLocked(ctx context.Context) error {
	c.lastReload = c.now()
	pools, _, err := c.client.ConnectListAllStoragePools(1, 0)
	if err != nil {
		return fmt.Errorf("list storage pools: %w", err)
	}
	vols := make(map[string]golibvirt.StorageVol, len(c.vols))
	for _, pool := range pools {
		if err := ctx.Err(); err != nil {
			return err
		}
		poolVols, _, err := c.client.StoragePoolListAllVolumes(pool, 1, 0)
		if err != nil {
			// Inactive pools cannot list volumes; the rest are still usable.
			continue
		}
		for _, vol := range poolVols {
			p, err := c.client.StorageVolGetPath(vol)
			if err != nil || p == "" {
				continue
			}
			vols[p] = vol
		}
	}
	c.vols = vols
	return nil
}

func (c *VolumeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.vols)
}
