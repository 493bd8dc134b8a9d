package subtask

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"

	"github.com/freedkr/docgather/internal/model"
)

type ocrPrefilterRequest struct {
	ImagePath string   `json:"imagePath"`
	Languages []string `json:"languages"`
	PSM       int      `json:"psm"`
}

type ocrPrefilterResult struct {
	Text string `json:"text"`
}

// ImagePrefilterResult is the image-prefilter worker output: a cheap
// signal for whether an image-only document carries any text at all,
// short-circuiting the expensive vision/LLM-OCR path when it clearly
// doesn't.
type ImagePrefilterResult struct {
	HasText   bool   `json:"hasText"`
	RawText   string `json:"rawText"`
	CharCount int    `json:"charCount"`
}

// RunImagePrefilter is the image-prefilter worker: the scaled
// image is converted to grayscale and handed to Tesseract (eng+fra,
// PSM 1 — automatic page segmentation with orientation/script
// detection) to get a rough raw-text signal without committing to a
// full LLM-OCR call.
func RunImagePrefilter(ctx context.Context, deps *Deps, input *model.SubtaskInput) (*ImagePrefilterResult, error) {
	if len(input.ScaledImagePaths) == 0 {
		return &ImagePrefilterResult{}, nil
	}

	data, err := downloadCached(ctx, deps, input.DocumentID, model.RoleLLMOptimized)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, model.NewFileError(model.ErrCodeInvalidFormat, "image-prefilter", "decode", "解码图像失败", err)
	}

	var grayBuf bytes.Buffer
	if err := png.Encode(&grayBuf, toGrayscale(img)); err != nil {
		return nil, model.NewSystemError("image-prefilter", "encode_gray", "编码灰度图失败", err)
	}

	path, cleanup, err := writeTempFile("image-prefilter", grayBuf.Bytes())
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var res ocrPrefilterResult
	req := ocrPrefilterRequest{ImagePath: path, Languages: []string{"eng", "fra"}, PSM: 1}
	if err := RunJSONProcess(ctx, deps.Bin.Tesseract, nil, req, &res); err != nil {
		return nil, err
	}

	charCount := len([]rune(res.Text))
	return &ImagePrefilterResult{
		HasText:   charCount > 0,
		RawText:   res.Text,
		CharCount: charCount,
	}, nil
}

func toGrayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}
