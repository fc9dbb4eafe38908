// Package redis implements the storage contracts on Redis. Sessions and
// definitions are JSON blobs; the processing lock lives in a token hash plus
// a ZSET scored by acquisition time so the reaper can range-scan stale locks;
// delay jobs and waitInput timeouts are ZSETs scored by fire time, popped
// with a bounded Lua range/remove so concurrent pollers never double-fire
// and members past the batch limit stay queued.
package redis

import (
	"github.com/inboxflow/inboxflow/persistence"
)

type Storage struct {
	definitions *definitionDao
	sessions    *sessionDao
	delayJobs   *delayJobDao
}

var _ persistence.Storage = new(Storage)

func NewStorage(conf Config) *Storage {
	base := newBaseDao(conf)
	return &Storage{
		definitions: &definitionDao{baseDao: *base},
		sessions:    &sessionDao{baseDao: *base},
		delayJobs:   &delayJobDao{baseDao: *base},
	}
}

func (s *Storage) Definitions() persistence.DefinitionStorage { return s.definitions }
func (s *Storage) Sessions() persistence.SessionStorage       { return s.sessions }
func (s *Storage) DelayJobs() persistence.DelayJobStorage     { return s.delayJobs }

func (s *Storage) Close() error {
	return s.sessions.redisClient.Close()
}
