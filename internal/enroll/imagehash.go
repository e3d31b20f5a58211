package enroll

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // enrollment photo decoders
	_ "image/png"
	"math/bits"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

// duplicateDistance is the largest dHash Hamming distance at which two
// enrollment photos are treated as the same picture.
const duplicateDistance = 4

// differenceHash computes a 64-bit dHash: the image is shrunk to 9x8 gray
// pixels and each bit records whether a pixel is brighter than its right neighbor.
func differenceHash(imageData []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return 0, fmt.Errorf("decoding image: %w", err)
	}

	small := image.NewGray(image.Rect(0, 0, 9, 8))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var hash uint64
	bit := 63
	for y := range 8 {
		for x := range 8 {
			if small.GrayAt(x, y).Y > small.GrayAt(x+1, y).Y {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash, nil
}

func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// photoIndex remembers the photos seen during one import.
type photoIndex struct {
	hashes []uint64
	owners []string
}

// claim records hash for id, or returns the other identity that already
// enrolled a near-identical photo.
func (p *photoIndex) claim(hash uint64, id string) (string, bool) {
	for i, h := range p.hashes {
		if p.owners[i] != id && hammingDistance(h, hash) <= duplicateDistance {
			return p.owners[i], false
		}
	}
	p.hashes = append(p.hashes, hash)
	p.owners = append(p.owners, id)
	return "", true
}
