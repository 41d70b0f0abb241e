package learner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

const weightsVersion = 1

type layerWeights struct {
	W [][]float64 `msgpack:"w"`
	B []float64   `msgpack:"b"`
}

type adamState struct {
	T int         `msgpack:"t"`
	M [][]float64 `msgpack:"m"`
	V [][]float64 `msgpack:"v"`
}

// weightsFile is the on-disk form of an MLP
type weightsFile struct {
	Version      int            `msgpack:"version"`
	InputSize    int            `msgpack:"input_size"`
	OutputSize   int            `msgpack:"output_size"`
	HiddenSize   int            `msgpack:"hidden_size"`
	HiddenLayers int            `msgpack:"hidden_layers"`
	Layers       []layerWeights `msgpack:"layers"`
	Adam         adamState      `msgpack:"adam"`
}

// Save writes the network and optimizer state as msgpack. The file is
// replaced atomically.
func (m *MLP) Save(path string) error {
	wf := weightsFile{
		Version:      weightsVersion,
		InputSize:    m.cfg.InputSize,
		OutputSize:   m.cfg.OutputSize,
		HiddenSize:   m.cfg.HiddenSize,
		HiddenLayers: m.cfg.HiddenLayers,
		Adam:         adamState{T: m.opt.T, M: m.opt.M, V: m.opt.V},
	}
	for _, l := range m.layers {
		lw := layerWeights{B: l.B.Data}
		for _, row := range l.W.Rows {
			lw.W = append(lw.W, row.Data)
		}
		wf.Layers = append(wf.Layers, lw)
	}

	data, err := msgpack.Marshal(&wf)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	return writeFileAtomic(path, data)
}

// Load replaces the network and optimizer state with the contents of path
func (m *MLP) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read weights: %w", err)
	}

	var wf weightsFile
	if err := msgpack.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("failed to decode weights: %w", err)
	}
	if wf.Version != weightsVersion {
		return fmt.Errorf("%w: version %d", ErrIncompatibleWeights, wf.Version)
	}
	if wf.InputSize != m.cfg.InputSize || wf.OutputSize != m.cfg.OutputSize ||
		wf.HiddenSize != m.cfg.HiddenSize || wf.HiddenLayers != m.cfg.HiddenLayers ||
		len(wf.Layers) != len(m.layers) {
		return fmt.Errorf("%w: file %dx%d/%dx%d, network %dx%d/%dx%d", ErrIncompatibleWeights,
			wf.InputSize, wf.OutputSize, wf.HiddenLayers, wf.HiddenSize,
			m.cfg.InputSize, m.cfg.OutputSize, m.cfg.HiddenLayers, m.cfg.HiddenSize)
	}

	for i, l := range m.layers {
		lw := wf.Layers[i]
		if len(lw.W) != l.W.Nout || len(lw.B) != len(l.B.Data) {
			return fmt.Errorf("%w: layer %d", ErrIncompatibleWeights, i)
		}
		for r, row := range l.W.Rows {
			if len(lw.W[r]) != len(row.Data) {
				return fmt.Errorf("%w: layer %d row %d", ErrIncompatibleWeights, i, r)
			}
		}
	}

	for i, l := range m.layers {
		copy(l.B.Data, wf.Layers[i].B)
		for r, row := range l.W.Rows {
			copy(row.Data, wf.Layers[i].W[r])
		}
	}

	m.opt.T = wf.Adam.T
	m.opt.M = wf.Adam.M
	m.opt.V = wf.Adam.V
	for _, p := range m.params {
		p.ZeroGrad()
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write weights: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync weights: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close weights: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename weights: %w", err)
	}
	return nil
}
