package rv

import (
	"sync"
	"testing"
	"time"
)

func TestBackendStats_QuotaFlagsReportOnce(t *testing.T) {
	s := NewBackendStats()

	if s.MarkQuotaWarning() {
		t.Error("first MarkQuotaWarning() = true, want false")
	}
	if !s.MarkQuotaWarning() {
		t.Error("second MarkQuotaWarning() = false, want true")
	}
	if s.QuotaErrorReported() {
		t.Error("QuotaErrorReported() before MarkQuotaError = true")
	}
	if s.MarkQuotaError() {
		t.Error("first MarkQuotaError() = true, want false")
	}
	if !s.MarkQuotaError() {
		t.Error("second MarkQuotaError() = false, want true")
	}
	if !s.QuotaErrorReported() {
		t.Error("QuotaErrorReported() after MarkQuotaError = false")
	}
}

func TestBackendStats_Snapshot(t *testing.T) {
	s := NewBackendStats()
	snap := s.Snapshot()
	if snap.TotalQuotaSpace != -1 || snap.FreeQuotaSpace != -1 || snap.AssignedQuotaSize != -1 {
		t.Errorf("new stats quota = %d/%d/%d, want -1/-1/-1",
			snap.TotalQuotaSpace, snap.FreeQuotaSpace, snap.AssignedQuotaSize)
	}

	last := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	s.SetListing(3, 300, 1, 10, 2, 2, last)
	s.SetQuota(1000, 500)

	snap = s.Snapshot()
	checks := []struct {
		name      string
		got, want int64
	}{
		{"KnownFileCount", snap.KnownFileCount, 3},
		{"KnownFileSize", snap.KnownFileSize, 300},
		{"UnknownFileCount", snap.UnknownFileCount, 1},
		{"UnknownFileSize", snap.UnknownFileSize, 10},
		{"FreeQuotaSpace", snap.FreeQuotaSpace, 500},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}
	if !snap.LastBackupDate.Equal(last) {
		t.Errorf("LastBackupDate = %v, want %v", snap.LastBackupDate, last)
	}
}

func TestBackendStats_ConcurrentTransfers(t *testing.T) {
	s := NewBackendStats()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddUploaded(10)
			s.AddDownloaded(5)
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	if snap.BytesUploaded != 100 || snap.BytesDownloaded != 50 {
		t.Errorf("uploaded/downloaded = %d/%d, want 100/50", snap.BytesUploaded, snap.BytesDownloaded)
	}
}
