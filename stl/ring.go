package stl

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	k2ptypes "img2keychain/type"
)

// DefaultRingSegments matches the $fn used for the keyring cylinders.
const DefaultRingSegments = 50

// Placement locates a flat ring next to a model.
type Placement struct {
	Center      Vertex // bottom centre
	InnerRadius float64
	OuterRadius float64
	Height      float64
}

// PlaceRing puts the ring outside the model box on the requested side.
// The ring centre sits half a wall inside the outer radius so the ring
// overlaps the model by t/2 and slicers fuse the two volumes.
func PlaceRing(b Box, p k2ptypes.RingParams) Placement {
	inner := p.Diameter / 2
	offset := inner + p.Thickness/2
	height := b.Size().Z
	if height <= 0 {
		height = p.Thickness
	}
	c := b.Center()
	c.Z = b.Min.Z
	switch p.Position {
	case k2ptypes.RingLeft:
		c.X = b.Min.X - offset
	case k2ptypes.RingRight:
		c.X = b.Max.X + offset
	default:
		c.Y = b.Max.Y + offset
	}
	return Placement{Center: c, InnerRadius: inner, OuterRadius: inner + p.Thickness, Height: height}
}

// Washer triangulates a flat annulus: 8 triangles per segment.
func Washer(p Placement, segments int) *Mesh {
	if segments < 3 {
		segments = DefaultRingSegments
	}
	m := NewMesh()
	z0, z1 := p.Center.Z, p.Center.Z+p.Height
	at := func(r float64, i int, z float64) Vertex {
		a := 2 * math.Pi * float64(i%segments) / float64(segments)
		return Vertex{p.Center.X + r*math.Cos(a), p.Center.Y + r*math.Sin(a), z}
	}
	ri, ro := p.InnerRadius, p.OuterRadius
	for i := 0; i < segments; i++ {
		j := i + 1
		ib0, ib1, it0, it1 := at(ri, i, z0), at(ri, j, z0), at(ri, i, z1), at(ri, j, z1)
		ob0, ob1, ot0, ot1 := at(ro, i, z0), at(ro, j, z0), at(ro, i, z1), at(ro, j, z1)
		// top
		m.AddFacet(it0, ot0, ot1)
		m.AddFacet(it0, ot1, it1)
		// bottom
		m.AddFacet(ib0, ob1, ob0)
		m.AddFacet(ib0, ib1, ob1)
		// outer wall
		m.AddFacet(ob0, ob1, ot1)
		m.AddFacet(ob0, ot1, ot0)
		// inner wall
		m.AddFacet(ib0, it1, ib1)
		m.AddFacet(ib0, it0, it1)
	}
	return m
}

// RingBuilder produces ring geometry as STL bytes.
type RingBuilder interface {
	BuildRing(ctx context.Context, p Placement) ([]byte, error)
}

// WasherBuilder triangulates the ring in process.
type WasherBuilder struct {
	Segments int
}

// BuildRing implements RingBuilder.
func (w WasherBuilder) BuildRing(ctx context.Context, p Placement) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.InnerRadius <= 0 || p.OuterRadius <= p.InnerRadius || p.Height <= 0 {
		return nil, fmt.Errorf("stl: invalid ring placement %+v", p)
	}
	var buf bytes.Buffer
	if err := WriteBinary(&buf, Washer(p, w.Segments)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AttachRing merges a ring into model. Any failure is logged and the model
// is returned unchanged with attached=false.
func AttachRing(ctx context.Context, model *Mesh, p k2ptypes.RingParams, builder RingBuilder, logger *zap.Logger) (merged *Mesh, attached bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	place := PlaceRing(model.Bounds(), p)
	data, err := builder.BuildRing(ctx, place)
	if err != nil {
		logger.Warn("ring omitted", zap.Error(err))
		return model, false
	}
	ring, err := Parse(data)
	if err != nil {
		logger.Warn("ring omitted", zap.String("reason", "unreadable ring mesh"), zap.Error(err))
		return model, false
	}
	merged, err = Parse([]byte(MergeFacetStreams(model, ring)))
	if err != nil {
		logger.Warn("ring omitted", zap.String("reason", "merge failed"), zap.Error(err))
		return model, false
	}
	logger.Debug("ring attached",
		zap.String("position", string(p.Position)),
		zap.Float64("center_x", place.Center.X),
		zap.Float64("center_y", place.Center.Y),
		zap.Int("triangles", len(merged.Triangles)))
	return merged, true
}
