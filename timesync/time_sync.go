package timesync

import (
	"context"
	"errors"
	"pow-ledger/logger"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

var log = logger.Logger

// DefaultSyncInterval defines how often to check external time sources
const DefaultSyncInterval = 60 * time.Second

var NtpServerSource = []string{
	"pool.ntp.org",        // NTP pool
	"time.google.com",     // Google's NTP server
	"time.cloudflare.com", // Cloudflare's NTP server
}

// Clock supplies block timestamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the local wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// QueryFunc returns the offset between the local clock and a time source.
type QueryFunc func(address string) (time.Duration, error)

func queryNTP(address string) (time.Duration, error) {
	response, err := ntp.Query(address)
	if err != nil {
		return 0, err
	}
	if err := response.Validate(); err != nil {
		return 0, err
	}
	return response.ClockOffset, nil
}

// NTPClock is the local clock corrected by an offset learned from NTP servers.
type NTPClock struct {
	mutex        sync.RWMutex
	sources      []string
	interval     time.Duration
	timeOffset   time.Duration
	lastSyncTime time.Time
	query        QueryFunc
}

// NewNTPClock creates a clock that syncs against sources, or NtpServerSource
// when sources is empty.
func NewNTPClock(sources []string, interval time.Duration) *NTPClock {
	if len(sources) == 0 {
		sources = NtpServerSource
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &NTPClock{
		sources:  append([]string(nil), sources...),
		interval: interval,
		query:    queryNTP,
	}
}

// Now returns the current time adjusted by the network offset.
func (c *NTPClock) Now() time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return time.Now().Add(c.timeOffset)
}

func (c *NTPClock) Offset() time.Duration {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.timeOffset
}

func (c *NTPClock) LastSync() time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.lastSyncTime
}

// Sync queries every source once and folds each answer into the running
// offset. It fails only when no source answered.
func (c *NTPClock) Sync() error {
	var errs []error
	synced := 0

	for _, address := range c.sources {
		offset, err := c.query(address)
		if err != nil {
			log.WithFields(logger.Fields{
				"source": address,
				"error":  err.Error(),
			}).Debug("Time source query failed")
			errs = append(errs, err)
			continue
		}

		c.mutex.Lock()
		if c.lastSyncTime.IsZero() && synced == 0 {
			c.timeOffset = offset
		} else {
			c.timeOffset = (c.timeOffset + offset) / 2
		}
		c.mutex.Unlock()
		synced++
	}

	if synced == 0 {
		return errors.Join(append([]error{errors.New("no time source answered")}, errs...)...)
	}

	c.mutex.Lock()
	c.lastSyncTime = time.Now()
	offset := c.timeOffset
	c.mutex.Unlock()

	log.WithFields(logger.Fields{
		"sources": synced,
		"offset":  offset.String(),
	}).Debug("Clock synced with time sources")
	return nil
}

// Start syncs once and then keeps syncing every interval until ctx is done.
func (c *NTPClock) Start(ctx context.Context) {
	if err := c.Sync(); err != nil {
		log.WithError(err).Warn("Initial time sync failed, using local clock")
	}

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Sync(); err != nil {
					log.WithError(err).Warn("Periodic time sync failed")
				}
			}
		}
	}()
}
