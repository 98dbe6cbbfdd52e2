package main

import (
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"mpc-path-tracker/closed_loop/recording"
)

var (
	blue   = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	orange = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	red    = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// series is one line of a plot: a label and how to read its value from a
// cycle. Cycles for which keep returns false are left out.
type series struct {
	label string
	color color.Color
	value func(recording.Cycle) float64
	keep  func(recording.Cycle) bool
}

type figure struct {
	name   string
	title  string
	yLabel string
	lines  []series
}

func emitted(c recording.Cycle) bool { return c.Emitted }

var figures = []figure{
	{
		name:   "errors",
		title:  "Tracking errors",
		yLabel: "cte (m) / epsi (rad)",
		lines: []series{
			{label: "cte", color: blue, value: func(c recording.Cycle) float64 { return c.CTE }},
			{label: "epsi", color: orange, value: func(c recording.Cycle) float64 { return c.EPsi }},
		},
	},
	{
		name:   "actuators",
		title:  "Emitted commands",
		yLabel: "steering / throttle",
		lines: []series{
			{label: "steering", color: blue, value: func(c recording.Cycle) float64 { return c.Steering }, keep: emitted},
			{label: "throttle", color: orange, value: func(c recording.Cycle) float64 { return c.Throttle }, keep: emitted},
		},
	},
	{
		name:   "timing",
		title:  "Cycle timing",
		yLabel: "ms",
		lines: []series{
			{label: "fit", color: orange, value: func(c recording.Cycle) float64 { return ms(c.FitTime.Seconds()) }},
			{label: "solve", color: red, value: func(c recording.Cycle) float64 { return ms(c.SolveTime.Seconds()) }},
		},
	},
}

func ms(s float64) float64 { return s * 1000 }

// renderSession writes one PNG per figure for a session's cycles and returns
// the written paths.
func renderSession(cycles []recording.Cycle, outDir, sessionID string, width, height vg.Length) ([]string, error) {
	if len(cycles) == 0 {
		return nil, fmt.Errorf("session %s has no cycles", sessionID)
	}
	skipped := 0
	for _, c := range cycles {
		if !c.Emitted {
			skipped++
		}
	}

	var written []string
	for _, fig := range figures {
		p := plot.New()
		p.Title.Text = fmt.Sprintf("%s - session %s (%d cycles, %d skipped)", fig.title, short(sessionID), len(cycles), skipped)
		p.X.Label.Text = "Cycle"
		p.Y.Label.Text = fig.yLabel
		p.Add(plotter.NewGrid())

		for _, s := range fig.lines {
			pts := make(plotter.XYs, 0, len(cycles))
			for _, c := range cycles {
				if s.keep != nil && !s.keep(c) {
					continue
				}
				pts = append(pts, plotter.XY{X: float64(c.Cycle), Y: s.value(c)})
			}
			if len(pts) == 0 {
				continue
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return written, fmt.Errorf("%s %s: %w", fig.name, s.label, err)
			}
			line.Color = s.color
			line.Width = vg.Points(1)
			p.Add(line)
			p.Legend.Add(s.label, line)
		}
		p.Legend.Top = true

		file := filepath.Join(outDir, fmt.Sprintf("%s_%s.png", short(sessionID), fig.name))
		if err := p.Save(width, height, file); err != nil {
			return written, fmt.Errorf("save %s: %w", file, err)
		}
		written = append(written, file)
	}
	return written, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
