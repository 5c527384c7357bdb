package dataset

import (
	"bufio"
	"image"
	"image/color"
	"io"
	"strconv"

	// Registered decoders for the image extensions ImageFolder accepts.
	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func init() {
	image.RegisterFormat("pgm", "P5", decodePNM, decodePNMConfig)
	image.RegisterFormat("ppm", "P6", decodePNM, decodePNMConfig)
}

// maxPNMPixels bounds width*height so a corrupt header cannot request an
// arbitrarily large raster.
const maxPNMPixels = 1 << 26

// pnmHeader is the header of a binary netpbm file (P5 gray, P6 RGB).
type pnmHeader struct {
	magic         string
	width, height int
	maxval        int
}

func readPNMHeader(r *bufio.Reader) (pnmHeader, error) {
	var h pnmHeader
	tok, err := pnmToken(r)
	if err != nil {
		return h, err
	}
	if tok != "P5" && tok != "P6" {
		return h, errors.Errorf("pnm: unsupported magic %q", tok)
	}
	h.magic = tok

	fields := []*int{&h.width, &h.height, &h.maxval}
	for _, dst := range fields {
		tok, err := pnmToken(r)
		if err != nil {
			return h, err
		}
		v, err := strconv.Atoi(tok)
		if err != nil || v <= 0 {
			return h, errors.Errorf("pnm: bad header field %q", tok)
		}
		*dst = v
	}
	if h.width > maxPNMPixels/h.height {
		return h, errors.Errorf("pnm: %dx%d image exceeds %d pixels", h.width, h.height, maxPNMPixels)
	}
	if h.maxval > 255 {
		return h, errors.Errorf("pnm: 16-bit samples (maxval %d) not supported", h.maxval)
	}
	// Exactly one whitespace byte separates the header from the raster.
	if _, err := r.ReadByte(); err != nil {
		return h, errors.Wrap(err, "pnm: header")
	}
	return h, nil
}

// pnmToken reads one whitespace-delimited header token, skipping comments.
func pnmToken(r *bufio.Reader) (string, error) {
	var tok []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(tok) > 0 {
				return string(tok), nil
			}
			return "", errors.Wrap(err, "pnm: header")
		}
		switch {
		case c == '#' && len(tok) == 0:
			if _, err := r.ReadBytes('\n'); err != nil {
				return "", errors.Wrap(err, "pnm: comment")
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if len(tok) > 0 {
				return string(tok), r.UnreadByte()
			}
		default:
			tok = append(tok, c)
		}
	}
}

func decodePNMConfig(r io.Reader) (image.Config, error) {
	h, err := readPNMHeader(bufio.NewReader(r))
	if err != nil {
		return image.Config{}, err
	}
	model := color.GrayModel
	if h.magic == "P6" {
		model = color.RGBAModel
	}
	return image.Config{ColorModel: model, Width: h.width, Height: h.height}, nil
}

func decodePNM(r io.Reader) (image.Image, error) {
	br := bufio.NewReader(r)
	h, err := readPNMHeader(br)
	if err != nil {
		return nil, err
	}

	samples := h.width * h.height
	if h.magic == "P6" {
		samples *= 3
	}
	raw := make([]byte, samples)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, errors.Wrap(err, "pnm: raster")
	}
	for i, v := range raw {
		if int(v) > h.maxval {
			return nil, errors.Errorf("pnm: sample %d exceeds maxval %d", v, h.maxval)
		}
		if h.maxval != 255 {
			raw[i] = uint8(int(v) * 255 / h.maxval)
		}
	}

	rect := image.Rect(0, 0, h.width, h.height)
	if h.magic == "P5" {
		return &image.Gray{Pix: raw, Stride: h.width, Rect: rect}, nil
	}
	img := image.NewRGBA(rect)
	for i := 0; i < h.width*h.height; i++ {
		img.Pix[4*i] = raw[3*i]
		img.Pix[4*i+1] = raw[3*i+1]
		img.Pix[4*i+2] = raw[3*i+2]
		img.Pix[4*i+3] = 0xff
	}
	return img, nil
}
