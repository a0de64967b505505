package monitor

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/xiaopang/tavernai/internal/model"
)

// ErrInvalidImport is returned for payloads that are not an export document.
var ErrInvalidImport = errors.New("invalid metrics import")

// Export serializes the log together with a summary.
func (s *Store) Export() ([]byte, error) {
	doc := model.MetricExport{
		Metrics:    s.Metrics(),
		ExportedAt: s.now().UTC(),
		Summary:    s.Overall(),
	}
	if doc.Metrics == nil {
		doc.Metrics = []model.Metric{}
	}
	return sonic.ConfigStd.MarshalIndent(doc, "", "  ")
}

// Import appends the entries of an export document, keeping the newest up to
// capacity. Entries whose id is already held are skipped. It returns the
// number of entries appended.
func (s *Store) Import(data []byte) (int, error) {
	var doc struct {
		Metrics *[]model.Metric `json:"metrics"`
	}
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if doc.Metrics == nil {
		return 0, fmt.Errorf("%w: metrics array is missing", ErrInvalidImport)
	}
	for i := range *doc.Metrics {
		if !validMetric(&(*doc.Metrics)[i]) {
			return 0, fmt.Errorf("%w: entry %d lacks id, provider, operation or timestamp, or has a negative value", ErrInvalidImport, i)
		}
	}

	s.mu.Lock()
	seen := make(map[string]bool, len(s.metrics)+len(*doc.Metrics))
	for i := range s.metrics {
		seen[s.metrics[i].ID] = true
	}
	added := 0
	for _, m := range *doc.Metrics {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		s.metrics = append(s.metrics, m)
		added++
	}
	s.truncateLocked()
	s.mu.Unlock()

	if added > 0 {
		s.persist()
	}
	return added, nil
}
