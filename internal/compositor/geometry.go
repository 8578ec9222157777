// Package compositor раскладывает страницы книги на PDF-страницы фиксированного формата.
package compositor

import (
	"fmt"

	"github.com/mmeshcher/storybook/internal/model"
)

// Rect: прямоугольник в пунктах, начало координат в левом верхнем углу страницы.
type Rect struct {
	X, Y, W, H float64
}

// Bottom возвращает нижнюю границу прямоугольника.
func (r Rect) Bottom() float64 { return r.Y + r.H }

// Right возвращает правую границу прямоугольника.
func (r Rect) Right() float64 { return r.X + r.W }

// Contains сообщает, что other целиком лежит внутри r с допуском eps.
func (r Rect) Contains(other Rect, eps float64) bool {
	return other.X >= r.X-eps && other.Y >= r.Y-eps &&
		other.Right() <= r.Right()+eps && other.Bottom() <= r.Bottom()+eps
}

func (r Rect) inset(d float64) Rect {
	return Rect{X: r.X + d, Y: r.Y + d, W: r.W - 2*d, H: r.H - 2*d}
}

// Geometry описывает квадратную страницу одного варианта PDF.
type Geometry struct {
	Size          float64
	Margin        float64
	Bleed         float64
	ImageFraction float64
	Gap           float64

	BodySize     float64
	TitleSize    float64
	SubtitleSize float64
	LabelSize    float64
}

var geometries = map[model.Variant]Geometry{
	model.VariantDigital: {
		Size:          576,
		Margin:        36,
		Bleed:         0,
		ImageFraction: 0.70,
		Gap:           14,
		BodySize:      15,
		TitleSize:     26,
		SubtitleSize:  13,
		LabelSize:     10,
	},
	// 8.5" обрез плюс 0.125" вылета с каждой стороны.
	model.VariantPrint: {
		Size:          630,
		Margin:        36,
		Bleed:         9,
		ImageFraction: 0.68,
		Gap:           16,
		BodySize:      16,
		TitleSize:     28,
		SubtitleSize:  14,
		LabelSize:     10,
	},
}

// GeometryFor возвращает геометрию варианта.
func GeometryFor(v model.Variant) (Geometry, error) {
	g, ok := geometries[v]
	if !ok {
		return Geometry{}, fmt.Errorf("unknown variant %q", v)
	}
	return g, nil
}

// Canvas возвращает всю площадь страницы, включая вылеты.
func (g Geometry) Canvas() Rect {
	return Rect{W: g.Size, H: g.Size}
}

// SafeArea возвращает страницу за вычетом вылетов: весь контент рисуется только здесь.
func (g Geometry) SafeArea() Rect {
	return g.Canvas().inset(g.Bleed)
}

// ContentBox возвращает безопасную область за вычетом полей.
func (g Geometry) ContentBox() Rect {
	return g.SafeArea().inset(g.Margin)
}

// ImageArea возвращает верхнюю часть области контента, отведённую под иллюстрацию.
func (g Geometry) ImageArea() Rect {
	cb := g.ContentBox()
	return Rect{X: cb.X, Y: cb.Y, W: cb.W, H: cb.H * g.ImageFraction}
}

// TextArea возвращает область под иллюстрацией до полосы номера страницы.
func (g Geometry) TextArea() Rect {
	cb := g.ContentBox()
	top := g.ImageArea().Bottom() + g.Gap
	bottom := cb.Bottom() - g.labelBand()
	return Rect{X: cb.X, Y: top, W: cb.W, H: bottom - top}
}

func (g Geometry) labelBand() float64 {
	return g.LabelSize * 1.8
}

// FitImage вписывает изображение w×h в area без обрезки и искажений.
// Если изображение относительно шире области, оно занимает всю ширину и центрируется по
// вертикали, иначе занимает всю высоту и центрируется по горизонтали.
func FitImage(w, h float64, area Rect) Rect {
	if w <= 0 || h <= 0 || area.W <= 0 || area.H <= 0 {
		return Rect{X: area.X, Y: area.Y}
	}

	imgRatio := w / h
	areaRatio := area.W / area.H

	if imgRatio > areaRatio {
		dh := area.W / imgRatio
		return Rect{X: area.X, Y: area.Y + (area.H-dh)/2, W: area.W, H: dh}
	}

	dw := area.H * imgRatio
	return Rect{X: area.X + (area.W-dw)/2, Y: area.Y, W: dw, H: area.H}
}
