package service

import (
	"testing"
	"time"

	"github.com/bigkaa/imagedrop/internal/domain/model"
)

func TestRecordCache(t *testing.T) {
	c := NewRecordCache(2, time.Minute)

	rec := &model.FileRecord{ID: "a", ReferenceCount: 1}
	c.Add(rec)
	// Изменение исходной записи не влияет на кэш
	rec.ReferenceCount = 10

	got, ok := c.Get("a")
	if !ok {
		t.Fatal("запись не найдена в кэше")
	}
	if got.ReferenceCount != 1 {
		t.Errorf("ReferenceCount = %d, ожидали 1", got.ReferenceCount)
	}

	c.Add(&model.FileRecord{ID: "b"})
	c.Add(&model.FileRecord{ID: "c"})
	if c.Len() != 2 {
		t.Errorf("Len() = %d, ожидали 2", c.Len())
	}

	c.Remove("c")
	if _, ok := c.Get("c"); ok {
		t.Error("запись найдена после Remove")
	}
}

func TestRecordCache_TTL(t *testing.T) {
	c := NewRecordCache(10, 20*time.Millisecond)
	c.Add(&model.FileRecord{ID: "a"})

	time.Sleep(100 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Error("запись не истекла по TTL")
	}
}

func TestRecordCache_Disabled(t *testing.T) {
	c := NewRecordCache(0, time.Minute)
	if c != nil {
		t.Fatal("NewRecordCache(0) должен вернуть nil")
	}

	c.Add(&model.FileRecord{ID: "a"})
	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Error("отключённый кэш вернул запись")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, ожидали 0", c.Len())
	}
}
