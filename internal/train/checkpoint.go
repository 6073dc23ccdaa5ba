package train

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"speechformer/internal/config"
	"speechformer/internal/model"
	"speechformer/internal/vocab"
)

const checkpointVersion = 1

// Checkpoint is the serialized state of a trained model: the weights plus
// enough metadata to rebuild the model without the original configuration.
type Checkpoint struct {
	Version    int                    `json:"version"`
	RunID      string                 `json:"run_id"`
	CreatedAt  time.Time              `json:"created_at"`
	Vocabulary string                 `json:"vocabulary"`
	Model      config.ModelSettings   `json:"model"`
	SpecFrames int                    `json:"spec_frames"`
	SpecBins   int                    `json:"spec_bins"`
	State      map[string][][]float64 `json:"state"`
}

// SaveCheckpoint writes the model state as JSON, creating parent directories
// as needed.
func SaveCheckpoint(path string, m *model.Transformer, runID string) error {
	ckpt := Checkpoint{
		Version:    checkpointVersion,
		RunID:      runID,
		CreatedAt:  time.Now().UTC(),
		Vocabulary: vocab.Symbols(),
		Model:      m.Config(),
		SpecFrames: m.SpecFrames(),
		SpecBins:   m.SpecBins(),
		State:      make(map[string][][]float64, len(m.Params())),
	}
	for _, p := range m.Params() {
		ckpt.State[p.Name] = matRows(p.Value)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	data, err := json.Marshal(&ckpt)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads and validates a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	if ckpt.Version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint %s: unsupported version %d", path, ckpt.Version)
	}
	if ckpt.Vocabulary != vocab.Symbols() {
		return nil, fmt.Errorf("checkpoint %s: vocabulary mismatch", path)
	}
	return &ckpt, nil
}

// Restore copies the checkpoint weights into m. Every model parameter must
// be present with matching dimensions.
func (c *Checkpoint) Restore(m *model.Transformer) error {
	for _, p := range m.Params() {
		rows, ok := c.State[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint missing parameter %s", p.Name)
		}
		r, cols := p.Value.Dims()
		if len(rows) != r {
			return fmt.Errorf("parameter %s: checkpoint has %d rows, model wants %d", p.Name, len(rows), r)
		}
		for i, row := range rows {
			if len(row) != cols {
				return fmt.Errorf("parameter %s row %d: checkpoint has %d cols, model wants %d",
					p.Name, i, len(row), cols)
			}
			for j, v := range row {
				p.Value.Set(i, j, v)
			}
		}
	}
	return nil
}

// LoadModel rebuilds a model from a checkpoint file and restores its weights.
func LoadModel(path string) (*model.Transformer, *Checkpoint, error) {
	ckpt, err := LoadCheckpoint(path)
	if err != nil {
		return nil, nil, err
	}
	m := model.New(ckpt.Model, ckpt.SpecFrames, ckpt.SpecBins, 0)
	if err := ckpt.Restore(m); err != nil {
		return nil, nil, fmt.Errorf("restore %s: %w", path, err)
	}
	return m, ckpt, nil
}

func matRows(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		copy(rows[i], m.RawRowView(i))
	}
	return rows
}
