// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hls

import (
	"encoding/json"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"sigs.k8s.io/yaml"

	"github.com/curioloop/hisolver/blockidx"
	"github.com/curioloop/hisolver/liegroup"
)

// snapshotVersion is bumped on incompatible layout changes; snapshots
// are declarative and not bit-exact across versions.
const snapshotVersion = 1

// Snapshot is the declarative state of a solver: thresholds,
// iteration cap, flags, configuration space, saturation policy and
// the ordered constraint list with priorities.
//
// Right-hand side values are transient run state and are not
// persisted; set them again after Restore.
type Snapshot struct {
	Version int `json:"version"`

	SquaredErrorThreshold float64 `json:"squaredErrorThreshold"`
	InequalityThreshold   float64 `json:"inequalityThreshold"`
	MaxIterations         int     `json:"maxIterations"`
	LastIsOptional        bool    `json:"lastIsOptional,omitempty"`
	SolveLevelByLevel     bool    `json:"solveLevelByLevel,omitempty"`

	Space       SpaceSpec        `json:"space"`
	Saturation  SaturationSpec   `json:"saturation"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

// SpaceSpec is the declarative form of a configuration space.
type SpaceSpec struct {
	Kind string      `json:"kind"`
	Dim  int         `json:"dim,omitempty"`
	Subs []SpaceSpec `json:"subs,omitempty"`
}

// SaturationSpec is the declarative form of a saturation policy.
type SaturationSpec struct {
	Kind         string    `json:"kind"`
	Lower []float64 `json:"lower,omitempty"`
	Upper []float64 `json:"upper,omitempty"`
	Model        *Model    `json:"model,omitempty"`
}

// ConstraintSpec is the declarative form of one constraint. The
// function payload is interpreted by the codec registered under Tag.
type ConstraintSpec struct {
	Tag        string             `json:"tag"`
	Function   json.RawMessage    `json:"function"`
	Comparison []Comparison       `json:"comparison"`
	ActiveRows []blockidx.Segment `json:"activeRows,omitempty"`
	Priority   int                `json:"priority"`
}

// FunctionCodec translates one function type to and from its
// declarative payload.
type FunctionCodec interface {
	Tag() string
	Match(Function) bool
	Encode(Function) (json.RawMessage, error)
	Decode(json.RawMessage) (Function, error)
}

var functionCodecs = map[string]FunctionCodec{}

// RegisterFunctionCodec installs a codec; the last registration of a
// tag wins.
func RegisterFunctionCodec(c FunctionCodec) {
	functionCodecs[c.Tag()] = c
}

func lookupCodec(f Function) (FunctionCodec, bool) {
	for _, c := range functionCodecs {
		if c.Match(f) {
			return c, true
		}
	}
	return nil, false
}

// Snapshot captures the declarative state of the solver.
func (s *Solver) Snapshot() (*Snapshot, error) {
	space, err := encodeSpace(s.space)
	if err != nil {
		return nil, err
	}
	sat, err := encodeSaturation(s.saturation)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Version:               snapshotVersion,
		SquaredErrorThreshold: s.squaredErrorThreshold,
		InequalityThreshold:   s.inequalityThreshold,
		MaxIterations:         s.maxIterations,
		LastIsOptional:        s.lastIsOptional,
		SolveLevelByLevel:     s.solveLevelByLevel,
		Space:                 space,
		Saturation:            sat,
	}
	for i, c := range s.constraints {
		codec, ok := lookupCodec(c.Function())
		if !ok {
			return nil, fmt.Errorf("hls: no codec for function %q", c.Function().Name())
		}
		payload, err := codec.Encode(c.Function())
		if err != nil {
			return nil, err
		}
		snap.Constraints = append(snap.Constraints, ConstraintSpec{
			Tag:        codec.Tag(),
			Function:   payload,
			Comparison: c.ComparisonType(),
			ActiveRows: c.ActiveRows(),
			Priority:   s.placements[i].level,
		})
	}
	return snap, nil
}

// Marshal serializes the snapshot as YAML.
func (snap *Snapshot) Marshal() ([]byte, error) {
	return yaml.Marshal(snap)
}

// UnmarshalSnapshot parses a YAML snapshot.
func UnmarshalSnapshot(b []byte) (*Snapshot, error) {
	snap := new(Snapshot)
	if err := yaml.Unmarshal(b, snap); err != nil {
		return nil, err
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("hls: unsupported snapshot version %d", snap.Version)
	}
	return snap, nil
}

// Restore rebuilds a solver from the snapshot: scratch is sized from
// the configuration space, free variables reset to the full tangent
// and constraints re-added in order.
func (snap *Snapshot) Restore() (*Solver, error) {
	space, err := decodeSpace(snap.Space)
	if err != nil {
		return nil, err
	}
	s := New(space)
	s.squaredErrorThreshold = snap.SquaredErrorThreshold
	s.inequalityThreshold = snap.InequalityThreshold
	s.maxIterations = snap.MaxIterations
	s.lastIsOptional = snap.LastIsOptional
	s.solveLevelByLevel = snap.SolveLevelByLevel

	sat, err := decodeSaturation(snap.Saturation)
	if err != nil {
		return nil, err
	}
	s.saturation = sat

	for _, cs := range snap.Constraints {
		codec, ok := functionCodecs[cs.Tag]
		if !ok {
			return nil, fmt.Errorf("hls: unknown function tag %q", cs.Tag)
		}
		f, err := codec.Decode(cs.Function)
		if err != nil {
			return nil, err
		}
		c := NewConstraint(f, cs.Comparison)
		if len(cs.ActiveRows) > 0 {
			c.WithActiveRows(cs.ActiveRows)
		}
		if err := s.Add(c, cs.Priority); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func encodeSpace(sp liegroup.Space) (SpaceSpec, error) {
	switch v := sp.(type) {
	case liegroup.Vector:
		return SpaceSpec{Kind: "vector", Dim: v.NQ()}, nil
	case liegroup.SO3:
		return SpaceSpec{Kind: "so3"}, nil
	case *liegroup.Product:
		spec := SpaceSpec{Kind: "product"}
		for _, sub := range v.Spaces() {
			ss, err := encodeSpace(sub)
			if err != nil {
				return SpaceSpec{}, err
			}
			spec.Subs = append(spec.Subs, ss)
		}
		return spec, nil
	}
	return SpaceSpec{}, fmt.Errorf("hls: unknown space %q", sp.Name())
}

func decodeSpace(spec SpaceSpec) (liegroup.Space, error) {
	switch spec.Kind {
	case "vector":
		return liegroup.NewVector(spec.Dim), nil
	case "so3":
		return liegroup.SO3{}, nil
	case "product":
		subs := make([]liegroup.Space, len(spec.Subs))
		for i, ss := range spec.Subs {
			sub, err := decodeSpace(ss)
			if err != nil {
				return nil, err
			}
			subs[i] = sub
		}
		return liegroup.NewProduct(subs...), nil
	}
	return nil, fmt.Errorf("hls: unknown space kind %q", spec.Kind)
}

func encodeSaturation(sat Saturation) (SaturationSpec, error) {
	switch v := sat.(type) {
	case NoSaturation:
		return SaturationSpec{Kind: "none"}, nil
	case *Bounds:
		return SaturationSpec{Kind: "bounds", Lower: v.Lower, Upper: v.Upper}, nil
	case *Device:
		return SaturationSpec{Kind: "device", Model: v.Model}, nil
	}
	return SaturationSpec{}, errors.New("hls: unknown saturation policy")
}

func decodeSaturation(spec SaturationSpec) (Saturation, error) {
	switch spec.Kind {
	case "", "none":
		return NoSaturation{}, nil
	case "bounds":
		if len(spec.Lower) != len(spec.Upper) {
			return nil, errors.New("hls: bound sizes not match")
		}
		return &Bounds{Lower: spec.Lower, Upper: spec.Upper}, nil
	case "device":
		if spec.Model == nil {
			return nil, errors.New("hls: device saturation needs a model")
		}
		return &Device{Model: spec.Model}, nil
	}
	return nil, fmt.Errorf("hls: unknown saturation kind %q", spec.Kind)
}

// affinePayload is the declarative form of an Affine function.
type affinePayload struct {
	Name string    `json:"name"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	A    []float64 `json:"a"`
	B    []float64 `json:"b"`
}

type affineCodec struct{}

func (affineCodec) Tag() string { return "affine" }

func (affineCodec) Match(f Function) bool {
	_, ok := f.(*Affine)
	return ok
}

func (affineCodec) Encode(f Function) (json.RawMessage, error) {
	af := f.(*Affine)
	m, n := af.a.Dims()
	p := affinePayload{Name: af.name, Rows: m, Cols: n, B: af.b}
	p.A = make([]float64, 0, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			p.A = append(p.A, af.a.At(i, j))
		}
	}
	return json.Marshal(p)
}

func (affineCodec) Decode(raw json.RawMessage) (Function, error) {
	var p affinePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.Rows*p.Cols != len(p.A) || p.Rows != len(p.B) {
		return nil, errors.New("hls: affine payload sizes not match")
	}
	return NewAffine(p.Name, mat.NewDense(p.Rows, p.Cols, p.A), p.B), nil
}

func init() {
	RegisterFunctionCodec(affineCodec{})
}
