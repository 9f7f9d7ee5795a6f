package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/imagedrop/internal/domain/model"
)

var cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "imagedrop_record_cache_lookups_total",
	Help: "Обращения к кэшу записей по результату (hit, miss)",
}, []string{"result"})

// RecordCache — LRU-кэш записей по id с ограниченным временем жизни.
// Нулевой указатель — отключённый кэш: все методы безопасны для nil.
//
// В кэш попадают только записи, прочитанные из индекса. Удаление
// записи (API, очистка, восстановление) обязано вызвать Remove.
type RecordCache struct {
	lru *expirable.LRU[string, *model.FileRecord]
}

// NewRecordCache создаёт кэш на size записей. size <= 0 — кэш отключён (nil).
func NewRecordCache(size int, ttl time.Duration) *RecordCache {
	if size <= 0 {
		return nil
	}
	return &RecordCache{lru: expirable.NewLRU[string, *model.FileRecord](size, nil, ttl)}
}

// Get возвращает копию записи из кэша.
func (c *RecordCache) Get(id string) (*model.FileRecord, bool) {
	if c == nil {
		return nil, false
	}
	rec, ok := c.lru.Get(id)
	if !ok {
		cacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	cacheLookupsTotal.WithLabelValues("hit").Inc()
	cp := *rec
	return &cp, true
}

func (c *RecordCache) Add(rec *model.FileRecord) {
	if c == nil || rec == nil {
		return
	}
	cp := *rec
	c.lru.Add(rec.ID, &cp)
}

func (c *RecordCache) Remove(id string) {
	if c == nil {
		return
	}
	c.lru.Remove(id)
}

// Len — количество записей в кэше (с учётом ещё не вычищенных истёкших).
func (c *RecordCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
