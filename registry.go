package poweredup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

type motorEntry struct {
	motor     *SingleMotor
	cfg       MotorConfig
	refCount  int64
	lastError error
	mu        sync.RWMutex
}

// MotorRegistry shares connected motors between resources. Two components
// configured for the same hub port reuse one connection instead of fighting
// over the port; the motor is closed once the last user releases it.
type MotorRegistry struct {
	entries map[string]*motorEntry // address/port -> entry
	mu      sync.RWMutex
}

func NewMotorRegistry() *MotorRegistry {
	return &MotorRegistry{entries: make(map[string]*motorEntry)}
}

func registryKey(address string, port int) string {
	return fmt.Sprintf("%s/0x%02x", address, port)
}

// GetMotor returns a connected motor for the config, creating and connecting
// it on first use.
func (r *MotorRegistry) GetMotor(ctx context.Context, cfg MotorConfig) (*SingleMotor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := registryKey(cfg.Address, cfg.Port)

	r.mu.RLock()
	entry, exists := r.entries[key]
	r.mu.RUnlock()
	if exists {
		return r.getExisting(entry, cfg)
	}
	return r.createNew(ctx, key, cfg)
}

func (r *MotorRegistry) getExisting(entry *motorEntry, cfg MotorConfig) (*SingleMotor, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.motor == nil {
		if entry.lastError != nil {
			return nil, errors.Wrap(entry.lastError, "cached motor creation error")
		}
		return nil, errors.Errorf("motor not available for port %d", cfg.Port)
	}
	if entry.cfg.GearRatio != cfg.GearRatio || entry.cfg.ClockwiseIsForward != cfg.ClockwiseIsForward {
		return nil, errors.Errorf("conflict: port %d already driven with a different config (refCount: %d)",
			cfg.Port, atomic.LoadInt64(&entry.refCount))
	}
	atomic.AddInt64(&entry.refCount, 1)
	return entry.motor, nil
}

func (r *MotorRegistry) createNew(ctx context.Context, key string, cfg MotorConfig) (*SingleMotor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[key]; exists {
		return r.getExisting(entry, cfg)
	}

	entry := &motorEntry{cfg: cfg}
	motor, err := NewSingleMotor(cfg)
	if err == nil {
		err = motor.Connect(ctx)
	}
	if err != nil {
		entry.lastError = err
		r.entries[key] = entry
		return nil, errors.Wrapf(err, "failed to connect motor on port %d", cfg.Port)
	}

	entry.motor = motor
	atomic.StoreInt64(&entry.refCount, 1)
	r.entries[key] = entry
	return motor, nil
}

// Release drops one reference. The motor is closed and forgotten when the
// count reaches zero.
func (r *MotorRegistry) Release(address string, port int) {
	key := registryKey(address, port)
	r.mu.RLock()
	entry, exists := r.entries[key]
	r.mu.RUnlock()
	if !exists {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if atomic.AddInt64(&entry.refCount, -1) <= 0 {
		if entry.motor != nil {
			if err := entry.motor.Close(); err != nil && entry.cfg.Logger != nil {
				entry.cfg.Logger.Warnf("error closing shared motor on port %d: %v", port, err)
			}
		}
		r.mu.Lock()
		delete(r.entries, key)
		r.mu.Unlock()

		entry.motor = nil
		atomic.StoreInt64(&entry.refCount, 0)
		entry.lastError = nil
	}
}

// Status reports the refcount and liveness for one port, mainly for
// debugging.
func (r *MotorRegistry) Status(address string, port int) (int64, bool) {
	r.mu.RLock()
	entry, exists := r.entries[registryKey(address, port)]
	r.mu.RUnlock()
	if !exists {
		return 0, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return atomic.LoadInt64(&entry.refCount), entry.motor != nil
}
