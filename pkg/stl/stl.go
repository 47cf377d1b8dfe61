// Package stl writes triangle meshes in the binary STL format and turns
// fitted cuboids into closed box meshes.
package stl

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"cuboidfit/pkg/cuboid"
)

// Triangle is one facet with its outward unit normal.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// boxFaces lists the corners of every face in counter-clockwise order seen
// from outside, for corner indices with bit0 = x, bit1 = y, bit2 = z.
var boxFaces = [6][4]int{
	{0, 4, 6, 2}, // -x
	{1, 3, 7, 5}, // +x
	{0, 1, 5, 4}, // -y
	{2, 6, 7, 3}, // +y
	{0, 2, 3, 1}, // -z
	{4, 5, 7, 6}, // +z
}

// BoxTriangles returns the 12 facets of the box with the given corners.
func BoxTriangles(corners [cuboid.NumCorners]r3.Vector) []Triangle {
	var center r3.Vector
	for _, c := range corners {
		center = center.Add(c)
	}
	center = center.Mul(1.0 / cuboid.NumCorners)

	triangles := make([]Triangle, 0, 12)
	for _, face := range boxFaces {
		a, b, c, d := corners[face[0]], corners[face[1]], corners[face[2]], corners[face[3]]
		triangles = append(triangles, facet(a, b, c, center), facet(a, c, d, center))
	}
	return triangles
}

// Mesh concatenates the box facets of all cuboids.
func Mesh(cuboids []*cuboid.Cuboid) []Triangle {
	var triangles []Triangle
	for _, c := range cuboids {
		triangles = append(triangles, BoxTriangles(c.Corners())...)
	}
	return triangles
}

// facet orients triangle abc away from inside.
func facet(a, b, c, inside r3.Vector) Triangle {
	n := b.Sub(a).Cross(c.Sub(a))
	if n.Dot(a.Sub(inside)) < 0 {
		b, c = c, b
		n = n.Mul(-1)
	}
	if norm := n.Norm(); norm > 0 {
		n = n.Mul(1 / norm)
	}
	return Triangle{Normal: vec32(n), Vertex1: vec32(a), Vertex2: vec32(b), Vertex3: vec32(c)}
}

func vec32(v r3.Vector) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}

// Write encodes triangles as binary STL: an 80 byte header, the facet count
// and 50 bytes per facet.
func Write(w io.Writer, header string, triangles []Triangle) error {
	var head [80]byte
	copy(head[:], header)
	if _, err := w.Write(head[:]); err != nil {
		return errors.Wrap(err, "writing STL header")
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return errors.Wrap(err, "writing STL facet count")
	}

	type record struct {
		Triangle
		Attributes uint16
	}
	for i, t := range triangles {
		if err := binary.Write(w, binary.LittleEndian, record{Triangle: t}); err != nil {
			return errors.Wrapf(err, "writing STL facet %d", i)
		}
	}
	return nil
}

// SaveToSTL writes triangles to a binary STL file, creating its directory.
func SaveToSTL(path string, triangles []Triangle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating STL file")
	}
	if err := Write(f, "cuboidfit", triangles); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "closing STL file")
}
