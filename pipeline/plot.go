package pipeline

import (
	"image/color"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// SaveLossCurve writes a PNG line plot of the sampled training loss.
func SaveLossCurve(path, title string, losses []LossPoint) error {
	if len(losses) == 0 {
		return errors.New("no loss points to plot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create plot dir")
	}

	xys := make(plotter.XYs, len(losses))
	for i, lp := range losses {
		xys[i].X = float64(lp.Step)
		xys[i].Y = lp.Loss
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Y.Label.Text = "weighted MSE"

	line, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	line.Width = vg.Points(1.2)
	p.Add(line)
	p.Legend.Add("train loss", line)

	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

// SaveHoldoutScatter writes a PNG scatter of per-example mean predicted vs
// mean observed expression, with the identity line for reference.
func SaveHoldoutScatter(path, title string, points []PredObs) error {
	if len(points) == 0 {
		return errors.New("no holdout points to plot")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create plot dir")
	}

	xys := make(plotter.XYs, len(points))
	lo, hi := points[0].Obs, points[0].Obs
	for i, pt := range points {
		xys[i].X = pt.Obs
		xys[i].Y = pt.Pred
		for _, v := range []float64{pt.Obs, pt.Pred} {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "observed mean expression"
	p.Y.Label.Text = "predicted mean expression"

	sc, err := plotter.NewScatter(xys)
	if err != nil {
		return err
	}
	sc.GlyphStyle.Color = color.RGBA{R: 200, G: 30, B: 30, A: 200}
	sc.GlyphStyle.Radius = vg.Points(2)
	p.Add(sc)
	p.Legend.Add("holdout", sc)

	ident, err := plotter.NewLine(plotter.XYs{{X: lo, Y: lo}, {X: hi, Y: hi}})
	if err != nil {
		return err
	}
	ident.Color = color.RGBA{R: 120, G: 120, B: 120, A: 180}
	ident.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
	p.Add(ident)

	return p.Save(6*vg.Inch, 6*vg.Inch, path)
}
