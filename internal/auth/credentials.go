package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrDeviceNotFound = errors.New("device not found")

// Credential is what a device proves it holds. SecretHash is either a bcrypt
// hash or "sha256:<hex>".
type Credential struct {
	DeviceID        string `json:"device_id"`
	SecretHash      string `json:"secret_hash"`
	CertFingerprint string `json:"cert_fingerprint,omitempty"`
	Active          bool   `json:"active"`
}

// Store looks up device credentials; ErrDeviceNotFound for unknown devices.
type Store interface {
	GetCredential(ctx context.Context, deviceID string) (Credential, error)
}

// StaticStore serves credentials from configuration.
type StaticStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

func NewStaticStore(devices []DeviceConfig) *StaticStore {
	s := &StaticStore{creds: make(map[string]Credential, len(devices))}
	for _, d := range devices {
		s.creds[d.DeviceID] = Credential{
			DeviceID:        d.DeviceID,
			SecretHash:      d.SecretHash,
			CertFingerprint: d.CertFingerprint,
			Active:          !d.Disabled,
		}
	}
	return s
}

func (s *StaticStore) Put(c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.DeviceID] = c
}

func (s *StaticStore) GetCredential(_ context.Context, deviceID string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[deviceID]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return c, nil
}

// PostgresStore reads the devices table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetCredential(ctx context.Context, deviceID string) (Credential, error) {
	c := Credential{DeviceID: deviceID}
	err := s.pool.QueryRow(ctx, `
        SELECT secret_hash, cert_fingerprint, active
        FROM devices
        WHERE device_id = $1
    `, deviceID).Scan(&c.SecretHash, &c.CertFingerprint, &c.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return Credential{}, fmt.Errorf("query device credential: %w", err)
	}
	return c, nil
}
