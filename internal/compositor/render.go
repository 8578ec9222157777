package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // регистрирует декодер JPEG для image.DecodeConfig
	_ "image/png"  // регистрирует декодер PNG для image.DecodeConfig
	"time"

	"github.com/jung-kurt/gofpdf"
	"go.uber.org/zap"

	"github.com/mmeshcher/storybook/internal/model"
	"github.com/mmeshcher/storybook/internal/textwrap"
)

// ErrEmptyBook возвращается при попытке отрисовать книгу без страниц.
var ErrEmptyBook = errors.New("book has no pages")

// ImageSource отдаёт байты изображения по адресу, сохранённому в странице.
type ImageSource interface {
	FetchBytes(ctx context.Context, address string) ([]byte, error)
}

// Compositor отрисовывает книгу в многостраничный PDF.
type Compositor struct {
	images ImageSource
	logger *zap.Logger
}

// New создаёт компоновщик.
func New(images ImageSource, logger *zap.Logger) *Compositor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compositor{images: images, logger: logger}
}

// pdfFonts измеряет строки встроенными метриками шрифтов gofpdf.
type pdfFonts struct {
	pdf *gofpdf.Fpdf
}

type pdfFace struct {
	pdf    *gofpdf.Fpdf
	family string
	style  string
}

func (f pdfFonts) Face(family, style string) textwrap.Font {
	return pdfFace{pdf: f.pdf, family: family, style: style}
}

func (f pdfFace) StringWidth(s string, size float64) float64 {
	f.pdf.SetFont(f.family, f.style, size)
	return f.pdf.GetStringWidth(s)
}

// NewFonts возвращает метрики шрифтов документа для переноса текста.
func NewFonts(pdf *gofpdf.Fpdf) Fonts {
	return pdfFonts{pdf: pdf}
}

// Render строит PDF всех страниц книги в порядке номеров.
// Результат зависит только от содержимого книги и варианта.
func (c *Compositor) Render(ctx context.Context, book *model.Book, variant model.Variant) ([]byte, error) {
	if len(book.Pages) == 0 {
		return nil, ErrEmptyBook
	}

	g, err := GeometryFor(variant)
	if err != nil {
		return nil, err
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: g.Size, Ht: g.Size},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(creationDate(book))
	pdf.SetTitle(book.Title, true)
	pdf.SetAuthor(book.ProtagonistName, true)

	images, err := c.registerImages(ctx, pdf, book)
	if err != nil {
		return nil, err
	}

	layout := Layout{
		Geometry:  g,
		Fonts:     NewFonts(pdf),
		Translate: pdf.UnicodeTranslatorFromDescriptor(""),
	}

	for _, plan := range layout.Plan(book, images) {
		if plan.Truncated {
			c.logger.Warn("page text truncated",
				zap.String("book", book.ID), zap.Int("page", plan.Number), zap.String("variant", string(variant)))
		}
		draw(pdf, plan)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	return buf.Bytes(), nil
}

func creationDate(book *model.Book) time.Time {
	if book.CreatedAt.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return book.CreatedAt.UTC().Truncate(time.Second)
}

// registerImages загружает изображения страниц по очереди. Недоступное или
// нераспознанное изображение пропускается: страница рисуется без него.
func (c *Compositor) registerImages(ctx context.Context, pdf *gofpdf.Fpdf, book *model.Book) (map[int]ImageInfo, error) {
	res := make(map[int]ImageInfo)
	if c.images == nil {
		return res, nil
	}

	for _, p := range book.Pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.ImageURL == nil || *p.ImageURL == "" {
			continue
		}

		log := c.logger.With(zap.String("book", book.ID), zap.Int("page", p.Number))

		data, err := c.images.FetchBytes(ctx, *p.ImageURL)
		if err != nil {
			log.Warn("fetch page image failed", zap.Error(err))
			continue
		}

		info, err := registerImage(pdf, fmt.Sprintf("page-%d", p.Number), data)
		if err != nil {
			log.Warn("skip undecodable page image", zap.Error(err))
			continue
		}

		res[p.Number] = info
	}

	return res, nil
}

func registerImage(pdf *gofpdf.Fpdf, name string, data []byte) (ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("decode image config: %w", err)
	}

	var imageType string
	switch format {
	case "png":
		imageType = "PNG"
	case "jpeg":
		imageType = "JPG"
	default:
		return ImageInfo{}, fmt.Errorf("unsupported image format %q", format)
	}

	pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: imageType}, bytes.NewReader(data))
	if pdf.Err() {
		err := pdf.Error()
		pdf.ClearError()
		return ImageInfo{}, fmt.Errorf("register image: %w", err)
	}

	return ImageInfo{
		Name:   name,
		Type:   imageType,
		Width:  float64(cfg.Width),
		Height: float64(cfg.Height),
	}, nil
}

func draw(pdf *gofpdf.Fpdf, plan PagePlan) {
	pdf.AddPage()

	pdf.SetFillColor(plan.Background.R, plan.Background.G, plan.Background.B)
	pdf.Rect(0, 0, plan.Width, plan.Height, "F")

	if img := plan.Image; img != nil {
		pdf.ImageOptions(img.Name, img.Rect.X, img.Rect.Y, img.Rect.W, img.Rect.H, false,
			gofpdf.ImageOptions{ImageType: img.Type}, 0, "")
	}

	for _, t := range plan.Texts {
		drawText(pdf, t)
	}
	drawText(pdf, plan.Label)
}

func drawText(pdf *gofpdf.Fpdf, t TextPlacement) {
	pdf.SetFont(t.Style.Family, t.Style.Style, t.Style.Size)
	pdf.SetTextColor(t.Style.Color.R, t.Style.Color.G, t.Style.Color.B)
	pdf.Text(t.X, t.Y, t.Text)
}
