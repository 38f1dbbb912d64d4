package site

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Site, error)
}

type entry struct {
	site    *Site
	expires time.Time
}

// Service answers GetSite from a TTL cache. Concurrent misses for the same
// site share one repository call.
type Service struct {
	repo  Reader
	ttl   time.Duration
	clock func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]entry
}

// NewService builds a Service using the provided repository.
func NewService(repo Reader, ttl time.Duration) *Service {
	return &Service{
		repo:  repo,
		ttl:   ttl,
		clock: time.Now,
		cache: make(map[string]entry),
	}
}

// GetSite returns nil without error when the site does not exist or is
// inactive. Unknown sites are cached too.
func (s *Service) GetSite(ctx context.Context, id string) (*Site, error) {
	if cached, ok := s.lookup(id); ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(id, func() (interface{}, error) {
		found, err := s.repo.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.store(id, nil)
			return (*Site)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		if !found.Active {
			s.store(id, nil)
			return (*Site)(nil), nil
		}
		s.store(id, &found)
		return &found, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Site), nil
}

// Invalidate drops a cached site.
func (s *Service) Invalidate(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

func (s *Service) lookup(id string) (*Site, bool) {
	if s.ttl <= 0 {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[id]
	if !ok || s.clock().After(e.expires) {
		return nil, false
	}
	return e.site, true
}

func (s *Service) store(id string, site *Site) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.cache[id] = entry{site: site, expires: s.clock().Add(s.ttl)}
	s.mu.Unlock()
}
