// Package geometry maps normalized detection boxes into the pixel space of a
// viewport whose vertical axis grows upward (bottom-left origin).
package geometry

import "github.com/e7canasta/orion-player/detection"

// Rect is a rectangle in viewport pixels, origin at the bottom-left corner.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// MapNormalizedRect converts a unit-square, top-left-origin box into a
// width×height viewport with the vertical axis flipped:
//
//	x' = x·W
//	y' = H − (y + h)·H
//	w' = w·W
//	h' = h·H
//
// Pure; identical inputs always give identical outputs.
func MapNormalizedRect(r detection.BoundingBox, width, height int) Rect {
	w := float64(width)
	h := float64(height)
	return Rect{
		X:      r.X * w,
		Y:      h - (r.Y+r.Height)*h,
		Width:  r.Width * w,
		Height: r.Height * h,
	}
}

// ObjectRect maps a result's box into the viewport.
func ObjectRect(obj detection.Result, width, height int) Rect {
	return MapNormalizedRect(obj.Box, width, height)
}

// Area returns the rectangle area in square pixels.
func (r Rect) Area() float64 {
	return r.Width * r.Height
}

// Contains reports whether the point (px, py), in the same bottom-left
// origin space, lies inside r. Edges are inclusive.
func (r Rect) Contains(px, py float64) bool {
	return px >= r.X && px <= r.X+r.Width &&
		py >= r.Y && py <= r.Y+r.Height
}

// Clamp trims r so it lies within a width×height viewport.
func (r Rect) Clamp(width, height int) Rect {
	w := float64(width)
	h := float64(height)
	if r.X < 0 {
		r.Width += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.Height += r.Y
		r.Y = 0
	}
	if r.X+r.Width > w {
		r.Width = w - r.X
	}
	if r.Y+r.Height > h {
		r.Height = h - r.Y
	}
	if r.Width < 0 {
		r.Width = 0
	}
	if r.Height < 0 {
		r.Height = 0
	}
	return r
}
