package handler

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TIANLI0/DepthKit/config"
	"github.com/TIANLI0/DepthKit/model"
	"github.com/TIANLI0/DepthKit/service"
	"github.com/TIANLI0/DepthKit/utils"
)

func newTestRouter(t *testing.T) (*gin.Engine, *service.JobRegistry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if utils.Logger == nil {
		if err := utils.InitLogger("release"); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.Default()
	cfg.Upload.UploadDir = t.TempDir()

	slicer := service.NewSlicerService(cfg, nil, nil)
	jobs := service.NewJobRegistry(time.Hour)
	h := NewSliceHandler(cfg, nil, slicer, jobs)

	r := gin.New()
	r.POST("/api/v1/slice", h.Slice)
	r.GET("/api/v1/jobs/:id", h.JobStatus)
	r.DELETE("/api/v1/jobs/:id", h.CancelJob)
	r.GET("/api/v1/result/:md5", h.GetByMD5)
	return r, jobs
}

func multipartImage(t *testing.T, fields map[string]string, images map[string]image.Image) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for name, img := range images {
		hdr := make(map[string][]string)
		hdr["Content-Disposition"] = []string{`form-data; name="` + name + `"; filename="` + name + `.png"`}
		hdr["Content-Type"] = []string{"image/png"}
		part, err := w.CreatePart(hdr)
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(part, img); err != nil {
			t.Fatal(err)
		}
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &body, w.FormDataContentType()
}

func grayImage(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 255 / (w - 1))})
		}
	}
	return img
}

func TestSliceMissingImage(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/slice", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", rec.Code)
	}
}

func TestSliceRejectsBadLayersParam(t *testing.T) {
	r, _ := newTestRouter(t)

	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	body, contentType := multipartImage(t,
		map[string]string{"layers": "many"},
		map[string]image.Image{"image": img})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/slice", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", rec.Code)
	}
}

func TestSliceAcceptsJobWithUploadedDepth(t *testing.T) {
	r, jobs := newTestRouter(t)

	colorImg := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for i := 3; i < len(colorImg.Pix); i += 4 {
		colorImg.Pix[i] = 255
	}
	body, contentType := multipartImage(t,
		map[string]string{"layers": "2"},
		map[string]image.Image{"image": colorImg, "depth": grayImage(16, 16)})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/slice", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d; want 202; body %s", rec.Code, rec.Body.String())
	}

	var resp model.SliceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshalling response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("response has no job id")
	}
	if jobs.Get(resp.JobID) == nil {
		t.Fatal("job not registered")
	}
}

func TestJobStatusUnknownJob(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", rec.Code)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", rec.Code)
	}
}

func TestGetByMD5WithoutCache(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/result/deadbeef", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d; want 404", rec.Code)
	}
}
