package subtask

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"

	"github.com/freedkr/docgather/internal/model"
)

const (
	maxLongestSide  = 1280
	targetByteLimit = 120 * 1024
	qualityStart    = 85
	qualityFloor    = 5
	qualityStep     = 5
)

type rasterizeRequest struct {
	PDFPath   string `json:"pdfPath"`
	OutputDir string `json:"outputDir"`
}

type rasterizeResult struct {
	PagePaths []string `json:"pagePaths"`
}

// Dimension records a source page's pre-scaling pixel size.
type Dimension struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// ImageScalingResult is the image-scaling worker output: storage paths
// of the re-encoded, size-capped images handed to every downstream LLM
// call under the llm_optimized role, plus the original page dimensions.
type ImageScalingResult struct {
	ScaledImagePaths   []string    `json:"scaledImagePaths"`
	OriginalDimensions []Dimension `json:"originalDimensions,omitempty"`
}

// RunImageScaling is the image-scaling worker. A native rasterizer turns
// PDF pages into PNGs when the input is a PDF; a direct image upload is
// scaled as-is. Each page is downsized to at most 1280px on its longest
// side with a CatmullRom resampler, then re-encoded as JPEG at a
// descending quality ladder (85 down to 5, step 5) until it fits the
// 120KiB budget or bottoms out.
func RunImageScaling(ctx context.Context, deps *Deps, input *model.SubtaskInput) (*ImageScalingResult, error) {
	pages, fromPDF, err := gatherScalingSourcePages(ctx, deps, input)
	if err != nil {
		return nil, err
	}

	// The dedicated OCR endpoint prefers full-resolution rasterized pages;
	// everything else is capped at 1280px on the longest side.
	longest := maxLongestSide
	if fromPDF && deps.FullResolutionOCR {
		longest = 0
	}

	result := &ImageScalingResult{}
	for _, page := range pages {
		img, _, err := image.Decode(bytes.NewReader(page))
		if err != nil {
			return nil, model.NewFileError(model.ErrCodeInvalidFormat, "image-scaling", "decode", "解码图像失败", err)
		}
		b := img.Bounds()
		result.OriginalDimensions = append(result.OriginalDimensions, Dimension{Width: b.Dx(), Height: b.Dy()})
		encoded := scaleAndEncode(img, longest)

		uploaded, err := deps.Storage.Upload(ctx, input.DocumentID, model.RoleLLMOptimized, encoded, "image/jpeg")
		if err != nil {
			return nil, err
		}
		result.ScaledImagePaths = append(result.ScaledImagePaths, uploaded.StoragePath)
	}
	return result, nil
}

func gatherScalingSourcePages(ctx context.Context, deps *Deps, input *model.SubtaskInput) (pages [][]byte, fromPDF bool, err error) {
	role := model.RoleOriginal
	if input.ConvertedPDFPath != "" {
		role = model.RoleConvertedPDF
	}
	if input.MimeType != "application/pdf" && input.ConvertedPDFPath == "" {
		data, err := downloadCached(ctx, deps, input.DocumentID, role)
		if err != nil {
			return nil, false, err
		}
		return [][]byte{data}, false, nil
	}

	pdfData, err := downloadCached(ctx, deps, input.DocumentID, role)
	if err != nil {
		return nil, false, err
	}
	pdfPath, cleanupPDF, err := writeTempFile("image-scaling-src", pdfData)
	if err != nil {
		return nil, false, err
	}
	defer cleanupPDF()

	outDir, err := os.MkdirTemp("", "image-scaling-out-*")
	if err != nil {
		return nil, false, model.NewSystemError("image-scaling", "mkdtemp", "创建临时目录失败", err)
	}
	defer os.RemoveAll(outDir)

	var res rasterizeResult
	if err := RunJSONProcess(ctx, deps.Bin.Rasterizer, nil, rasterizeRequest{PDFPath: pdfPath, OutputDir: outDir}, &res); err != nil {
		return nil, false, err
	}

	pages = make([][]byte, 0, len(res.PagePaths))
	for _, p := range res.PagePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, false, model.NewFileError(model.ErrCodeFileReadError, p, "read_page", "读取栅格化页面失败", err)
		}
		pages = append(pages, data)
	}
	return pages, true, nil
}

func scaleAndEncode(img image.Image, longest int) []byte {
	resized := resizeToLongestSide(img, longest)

	quality := qualityStart
	var buf bytes.Buffer
	for {
		buf.Reset()
		_ = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: quality})
		if buf.Len() <= targetByteLimit || quality <= qualityFloor {
			break
		}
		quality -= qualityStep
	}
	return append([]byte(nil), buf.Bytes()...)
}

// resizeToLongestSide downsizes to at most longest px on the longer edge;
// longest <= 0 means no resizing, and upscaling never happens.
func resizeToLongestSide(img image.Image, longest int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if longest <= 0 || (w <= longest && h <= longest) {
		return img
	}

	var newW, newH int
	if w >= h {
		newW = longest
		newH = h * longest / w
	} else {
		newH = longest
		newW = w * longest / h
	}
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
