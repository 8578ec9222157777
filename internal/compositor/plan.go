package compositor

import (
	"strconv"

	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/textwrap"
)

const (
	fontFamily = "Helvetica"

	lineHeight      = 1.6
	titleLineHeight = 1.25
	descent         = 0.25

	// Шаг и число шагов уменьшения кегля, если текст не помещается в свою область.
	// Наименьший масштаб равен 1 - scaleStep*scaleSteps.
	scaleStep  = 0.05
	scaleSteps = 8
)

// RGB: цвет заливки или текста.
type RGB struct {
	R, G, B int
}

var (
	colorBackground = RGB{255, 251, 242}
	colorText       = RGB{51, 51, 51}
	colorAccent     = RGB{124, 58, 237}
	colorMuted      = RGB{128, 128, 128}
)

// TextStyle задаёт гарнитуру, начертание, кегль и цвет строки.
type TextStyle struct {
	Family string
	Style  string
	Size   float64
	Color  RGB
}

// TextPlacement описывает одну строку текста: X задаёт левый край, Y задаёт базовую линию.
type TextPlacement struct {
	Text  string
	Style TextStyle
	X     float64
	Y     float64
	Width float64
}

// ImageInfo описывает зарегистрированное в документе изображение страницы.
type ImageInfo struct {
	Name   string
	Type   string
	Width  float64
	Height float64
}

// ImagePlacement: прямоугольник, в который рисуется изображение.
type ImagePlacement struct {
	ImageInfo
	Rect Rect
}

// PagePlan: инструкции отрисовки одной страницы.
type PagePlan struct {
	Number     int
	Width      float64
	Height     float64
	Background RGB
	Image      *ImagePlacement
	Texts      []TextPlacement
	Label      TextPlacement
	// Truncated выставляется, если текст не поместился даже при минимальном кегле.
	Truncated bool
}

// Fonts выдаёт метрики для гарнитуры и начертания.
type Fonts interface {
	Face(family, style string) textwrap.Font
}

// Layout строит планы страниц для заданной геометрии.
type Layout struct {
	Geometry  Geometry
	Fonts     Fonts
	Translate func(string) string
}

// Plan возвращает планы всех страниц книги в порядке номеров.
// images сопоставляет номер страницы с успешно загруженным изображением.
func (l Layout) Plan(book *model.Book, images map[int]ImageInfo) []PagePlan {
	plans := make([]PagePlan, 0, len(book.Pages))
	for _, p := range book.Pages {
		plans = append(plans, l.planPage(book, p, images))
	}
	return plans
}

func (l Layout) planPage(book *model.Book, page model.Page, images map[int]ImageInfo) PagePlan {
	g := l.Geometry
	plan := PagePlan{
		Number:     page.Number,
		Width:      g.Size,
		Height:     g.Size,
		Background: colorBackground,
	}

	if info, ok := images[page.Number]; ok {
		plan.Image = &ImagePlacement{
			ImageInfo: info,
			Rect:      FitImage(info.Width, info.Height, g.ImageArea()),
		}
	}

	plan.Texts, plan.Truncated = l.fitText(book, page, g.TextArea())
	plan.Label = l.label(page.Number)

	return plan
}

type block struct {
	style       TextStyle
	lines       []string
	leading     float64
	spaceBefore float64
}

func (l Layout) fitText(book *model.Book, page model.Page, area Rect) ([]TextPlacement, bool) {
	var placements []TextPlacement
	for i := 0; i <= scaleSteps; i++ {
		scale := 1 - scaleStep*float64(i)
		var fits bool
		placements, fits = l.place(area, l.blocks(book, page, area.W, scale))
		if fits {
			return placements, false
		}
	}

	return clip(narrow(placements, area), area), true
}

// narrow уменьшает кегль строк, которые шире области даже при минимальном масштабе.
// Ширина строки пропорциональна кеглю, поэтому строка укладывается ровно в area.W.
func narrow(placements []TextPlacement, area Rect) []TextPlacement {
	for i, p := range placements {
		if p.Width <= area.W || p.Width == 0 {
			continue
		}
		k := area.W / p.Width
		p.Style.Size *= k
		p.Width = area.W
		p.X = area.X
		placements[i] = p
	}
	return placements
}

func (l Layout) blocks(book *model.Book, page model.Page, width, scale float64) []block {
	g := l.Geometry
	body := TextStyle{Family: fontFamily, Size: g.BodySize * scale, Color: colorText}

	var blocks []block
	if page.IsCover() {
		title := TextStyle{Family: fontFamily, Style: "B", Size: g.TitleSize * scale, Color: colorAccent}
		if lines := l.wrap(book.Title, title, width); len(lines) > 0 {
			blocks = append(blocks, block{style: title, lines: lines, leading: titleLineHeight})
		}

		subtitle := TextStyle{Family: fontFamily, Size: g.SubtitleSize * scale, Color: colorMuted}
		if book.ProtagonistName != "" {
			lines := l.wrap("A story of "+book.ProtagonistName, subtitle, width)
			blocks = append(blocks, block{style: subtitle, lines: lines, leading: lineHeight})
		}

		if lines := l.wrap(page.Text, body, width); len(lines) > 0 {
			blocks = append(blocks, block{style: body, lines: lines, leading: lineHeight, spaceBefore: body.Size * 0.6})
		}
		return blocks
	}

	if lines := l.wrap(page.Text, body, width); len(lines) > 0 {
		blocks = append(blocks, block{style: body, lines: lines, leading: lineHeight})
	}
	return blocks
}

func (l Layout) wrap(text string, style TextStyle, width float64) []string {
	return textwrap.Wrap(l.translate(text), l.Fonts.Face(style.Family, style.Style), style.Size, width)
}

func (l Layout) translate(s string) string {
	if l.Translate == nil {
		return s
	}
	return l.Translate(s)
}

// place размещает строки блоков сверху вниз по центру области.
func (l Layout) place(area Rect, blocks []block) ([]TextPlacement, bool) {
	var res []TextPlacement
	fits := true
	y := area.Y
	first := true

	for _, b := range blocks {
		face := l.Fonts.Face(b.style.Family, b.style.Style)
		for i, line := range b.lines {
			switch {
			case first:
				y += b.style.Size
				first = false
			case i == 0:
				y += b.spaceBefore + b.style.Size*b.leading
			default:
				y += b.style.Size * b.leading
			}

			w := face.StringWidth(line, b.style.Size)
			if w > area.W || y+b.style.Size*descent > area.Bottom() {
				fits = false
			}

			x := area.X + (area.W-w)/2
			if x < area.X {
				x = area.X
			}

			res = append(res, TextPlacement{Text: line, Style: b.style, X: x, Y: y, Width: w})
		}
	}

	return res, fits
}

func clip(placements []TextPlacement, area Rect) []TextPlacement {
	res := placements[:0:0]
	for _, p := range placements {
		if p.Y+p.Style.Size*descent <= area.Bottom() {
			res = append(res, p)
		}
	}
	return res
}

func (l Layout) label(number int) TextPlacement {
	g := l.Geometry
	cb := g.ContentBox()
	style := TextStyle{Family: fontFamily, Size: g.LabelSize, Color: colorMuted}
	text := strconv.Itoa(number)
	w := l.Fonts.Face(style.Family, style.Style).StringWidth(text, style.Size)

	return TextPlacement{
		Text:  text,
		Style: style,
		X:     cb.Right() - w,
		Y:     cb.Bottom() - g.LabelSize*descent,
		Width: w,
	}
}
