package visual

import "image"

// neighbours are the eight offsets of 8-connectivity.
var neighbours = [8][2]int{
	{-1, -1}, {0, -1}, {1, -1},
	{-1, 0}, {1, 0},
	{-1, 1}, {0, 1}, {1, 1},
}

// components labels the 8-connected components of mask (row-major, w×h) and
// returns those with at least minArea pixels in discovery order.
func components(mask []bool, w, h, minArea int) []SubRegion {
	seen := make([]bool, len(mask))
	var out []SubRegion
	var queue []int

	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}

		seen[start] = true
		queue = append(queue[:0], start)
		minX, minY := start%w, start/w
		maxX, maxY := minX, minY
		area := 0

		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			area++

			x, y := i%w, i/w
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}

			for _, n := range neighbours {
				nx, ny := x+n[0], y+n[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if mask[j] && !seen[j] {
					seen[j] = true
					queue = append(queue, j)
				}
			}
		}

		if area >= minArea {
			out = append(out, SubRegion{
				Rect: image.Rect(minX, minY, maxX+1, maxY+1),
				Area: area,
			})
		}
	}
	return out
}
