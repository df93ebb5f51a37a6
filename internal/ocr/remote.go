package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"docqa/internal/models"
)

// renderDPI is the DPI page images are rasterized at; provider coordinates
// come back in that pixel space and get scaled to 72-point PDF space.
const renderDPI = 150.0

const pixelToPoint = 72.0 / renderDPI

// RemoteProvider calls a hosted PP-OCR style recognition endpoint. It
// returns pixel-accurate line boxes, which we scale to PDF points with the
// origin kept at top-left.
type RemoteProvider struct {
	apiURL string
	token  string
	client *http.Client
}

func NewRemoteProvider(apiURL, token string) *RemoteProvider {
	return &RemoteProvider{
		apiURL: apiURL,
		token:  token,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *RemoteProvider) Name() string { return "remote" }

type remoteRequest struct {
	File                      string `json:"file"`
	FileType                  int    `json:"fileType"`
	UseDocOrientationClassify bool   `json:"useDocOrientationClassify"`
	UseDocUnwarping           bool   `json:"useDocUnwarping"`
	UseTextlineOrientation    bool   `json:"useTextlineOrientation"`
	Visualize                 bool   `json:"visualize"`
}

type remoteResponse struct {
	ErrorCode int    `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
	Result    struct {
		OCRResults []struct {
			PrunedResult struct {
				RecTexts []string      `json:"rec_texts"`
				RecBoxes [][]float64   `json:"rec_boxes"`
				RecPolys [][][]float64 `json:"rec_polys"`
				DtPolys  [][][]float64 `json:"dt_polys"`
			} `json:"prunedResult"`
		} `json:"ocrResults"`
	} `json:"result"`
}

func (p *RemoteProvider) Process(ctx context.Context, req Request) ([]models.RecognizedFragment, FailureKind, error) {
	if p.apiURL == "" || p.token == "" {
		return failure(FailureAuth, fmt.Errorf("remote ocr not configured"))
	}

	image, err := readImageBase64(req.ImagePath)
	if err != nil {
		return failure(FailureTransient, err)
	}

	body, err := json.Marshal(remoteRequest{File: image, FileType: 1})
	if err != nil {
		return failure(FailureTransient, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return failure(FailureTransient, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Authorization", "token "+p.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return failure(FailureTransient, fmt.Errorf("call remote ocr: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return failure(FailureAuth, fmt.Errorf("remote ocr rejected credentials: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return failure(FailureTransient, fmt.Errorf("remote ocr status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var parsed remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return failure(FailureTransient, fmt.Errorf("decode remote ocr response: %w", err))
	}
	if parsed.ErrorCode != 0 {
		kind := FailureTransient
		if isAuthMessage(parsed.ErrorMsg) {
			kind = FailureAuth
		}
		return failure(kind, fmt.Errorf("remote ocr error %d: %s", parsed.ErrorCode, parsed.ErrorMsg))
	}

	fragments := p.parse(parsed, req)
	log.Printf("[ocr] remote page=%d fragments=%d", req.PageNumber, len(fragments))
	return fragments, FailureNone, nil
}

func isAuthMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "token") || strings.Contains(m, "auth") || strings.Contains(m, "permission")
}

func (p *RemoteProvider) parse(resp remoteResponse, req Request) []models.RecognizedFragment {
	var out []models.RecognizedFragment
	for _, r := range resp.Result.OCRResults {
		pruned := r.PrunedResult
		polys := pruned.RecPolys
		if len(polys) == 0 {
			polys = pruned.DtPolys
		}
		for i, text := range pruned.RecTexts {
			if strings.TrimSpace(text) == "" {
				continue
			}

			// Default when the service returned no geometry for this line.
			box := models.BBox{X: 0, Y: 0, W: req.PageWidth * 0.8, H: 20}

			if i < len(pruned.RecBoxes) && len(pruned.RecBoxes[i]) >= 4 {
				b := pruned.RecBoxes[i]
				box = models.BBox{X: b[0], Y: b[1], W: b[2] - b[0], H: b[3] - b[1]}
			} else if i < len(polys) && len(polys[i]) >= 4 {
				if b, ok := polyBounds(polys[i]); ok {
					box = b
				}
			}

			out = append(out, models.RecognizedFragment{
				Text: text,
				BBox: scaleBox(box),
			})
		}
	}
	return out
}

// polyBounds reduces a polygon to its axis-aligned bounds. Points with fewer
// than two coordinates are ignored; ok is false when none remain, which some
// engines emit for lines they recognized but failed to locate.
func polyBounds(poly [][]float64) (models.BBox, bool) {
	first := true
	var minX, minY, maxX, maxY float64
	for _, pt := range poly {
		if len(pt) < 2 {
			continue
		}
		if first {
			minX, minY, maxX, maxY = pt[0], pt[1], pt[0], pt[1]
			first = false
			continue
		}
		minX = min(minX, pt[0])
		minY = min(minY, pt[1])
		maxX = max(maxX, pt[0])
		maxY = max(maxY, pt[1])
	}
	if first {
		return models.BBox{}, false
	}
	return models.BBox{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}, true
}

func scaleBox(b models.BBox) models.BBox {
	return models.BBox{
		X: b.X * pixelToPoint,
		Y: b.Y * pixelToPoint,
		W: b.W * pixelToPoint,
		H: b.H * pixelToPoint,
	}
}
