package encode

import (
	"bytes"

	"rdpbridge/internal/types"
)

// DirtyRects compares cur against prev tile by tile and returns rectangles
// that together cover exactly the changed tiles. Both frames must share the
// same geometry and pixel format.
//
// damage, when non-nil, limits the comparison to tiles that intersect one of
// the listed regions; every other tile is assumed unchanged.
func DirtyRects(prev, cur *types.Frame, tile int, damage []types.Rect) []types.Rect {
	if tile <= 0 {
		tile = 64
	}
	cols := (cur.Width + tile - 1) / tile
	rows := (cur.Height + tile - 1) / tile

	var out []types.Rect
	// open holds rectangles that ended on the previous tile row, keyed by
	// their column span, so a run with the same span can extend them.
	open := make(map[[2]int]int)

	dirty := make([]bool, cols)
	for ty := 0; ty < rows; ty++ {
		for tx := range dirty {
			dirty[tx] = tileDirty(prev, cur, tile, tx, ty, damage)
		}
		next := make(map[[2]int]int)
		tx := 0
		for tx < cols {
			if !dirty[tx] {
				tx++
				continue
			}
			start := tx
			for tx < cols && dirty[tx] {
				tx++
			}
			span := [2]int{start, tx}
			if idx, ok := open[span]; ok {
				out[idx].Height += tileSpan(ty, tile, cur.Height)
				next[span] = idx
				continue
			}
			x0 := start * tile
			out = append(out, types.Rect{
				X:      x0,
				Y:      ty * tile,
				Width:  min(tx*tile, cur.Width) - x0,
				Height: tileSpan(ty, tile, cur.Height),
			})
			next[span] = len(out) - 1
		}
		open = next
	}
	return out
}

// tileSpan returns the pixel height of tile row ty, which is short at the
// bottom edge.
func tileSpan(ty, tile, height int) int {
	return min((ty+1)*tile, height) - ty*tile
}

func tileDirty(prev, cur *types.Frame, tile, tx, ty int, damage []types.Rect) bool {
	x0, y0 := tx*tile, ty*tile
	x1, y1 := min(x0+tile, cur.Width), min(y0+tile, cur.Height)

	if damage != nil {
		hit := false
		for _, d := range damage {
			if d.X < x1 && x0 < d.X+d.Width && d.Y < y1 && y0 < d.Y+d.Height {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}

	bx0, bx1 := x0*types.BytesPerPixel, x1*types.BytesPerPixel
	for y := y0; y < y1; y++ {
		a := prev.Data[y*prev.Stride+bx0 : y*prev.Stride+bx1]
		b := cur.Data[y*cur.Stride+bx0 : y*cur.Stride+bx1]
		if !bytes.Equal(a, b) {
			return true
		}
	}
	return false
}

// extractRect copies the pixels of r out of f into a tightly packed buffer.
func extractRect(f *types.Frame, r types.Rect) []byte {
	rowBytes := r.Width * types.BytesPerPixel
	out := make([]byte, 0, rowBytes*r.Height)
	for y := r.Y; y < r.Y+r.Height; y++ {
		off := y*f.Stride + r.X*types.BytesPerPixel
		out = append(out, f.Data[off:off+rowBytes]...)
	}
	return out
}
