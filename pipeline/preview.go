package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/einoworld/chunk-service/models"
	"github.com/einoworld/chunk-service/storage"
	"github.com/einoworld/chunk-service/store"
)

// ContentFamily groups MIME types into the preview categories the pipeline
// knows how to handle.
type ContentFamily string

const (
	FamilyDocument     ContentFamily = "document"
	FamilySpreadsheet  ContentFamily = "spreadsheet"
	FamilyPresentation ContentFamily = "presentation"
	FamilyPDF          ContentFamily = "pdf"
	FamilyEbook        ContentFamily = "ebook"
	FamilyText         ContentFamily = "text"
	FamilyVideo        ContentFamily = "video"
	FamilyAudio        ContentFamily = "audio"
	FamilyImage        ContentFamily = "image"
	FamilyGeneric      ContentFamily = "generic"
)

var familyByType = map[string]ContentFamily{
	"application/msword": FamilyDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FamilyDocument,
	"application/vnd.oasis.opendocument.text":                                 FamilyDocument,
	"application/x-abiword":                                                   FamilyDocument,

	"application/vnd.ms-excel": FamilySpreadsheet,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": FamilySpreadsheet,
	"application/vnd.oasis.opendocument.spreadsheet":                    FamilySpreadsheet,
	"text/csv":        FamilySpreadsheet,
	"application/csv": FamilySpreadsheet,

	"application/vnd.ms-powerpoint": FamilyPresentation,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": FamilyPresentation,
	"application/vnd.oasis.opendocument.presentation":                           FamilyPresentation,

	"application/pdf": FamilyPDF,

	"application/epub+zip": FamilyEbook,
	"application/epub":     FamilyEbook,

	"text/plain":      FamilyText,
	"application/xml": FamilyText,
	"text/vcard":      FamilyText,
}

// Family classifies a MIME type for preview purposes.
func Family(contentType string) ContentFamily {
	if family, ok := familyByType[contentType]; ok {
		return family
	}
	switch {
	case strings.HasPrefix(contentType, "video/"):
		return FamilyVideo
	case strings.HasPrefix(contentType, "audio/"):
		return FamilyAudio
	case strings.HasPrefix(contentType, "image/"):
		return FamilyImage
	}
	return FamilyGeneric
}

var templateByFamily = map[ContentFamily]string{
	FamilyDocument:     "doc-preview.jpeg",
	FamilyPDF:          "doc-preview.jpeg",
	FamilyEbook:        "doc-preview.jpeg",
	FamilySpreadsheet:  "excel-preview.jpeg",
	FamilyPresentation: "ppt-preview.jpeg",
	FamilyText:         "txt-preview.jpeg",
	FamilyGeneric:      "no-preview.jpeg",
}

// Previewer produces the preview artifact for a finished upload. Videos get
// a first-frame capture; document families get their static template image;
// image and audio previews are left to the downstream consumer.
type Previewer struct {
	store      store.ResourceStore
	objects    storage.Store
	transcoder Transcoder
	templates  string
	scratch    string
	log        *zap.SugaredLogger
}

func NewPreviewer(st store.ResourceStore, objects storage.Store, tc Transcoder, templatesPath, scratchDir string, log *zap.SugaredLogger) *Previewer {
	return &Previewer{
		store:      st,
		objects:    objects,
		transcoder: tc,
		templates:  templatesPath,
		scratch:    scratchDir,
		log:        log,
	}
}

// Generate writes the preview object and persists its reference. Already
// previewed resources are skipped, which makes pipeline replays cheap.
// localSource, when non-empty, is a local copy of the assembled artifact.
func (p *Previewer) Generate(ctx context.Context, res *models.Resource, localSource string) error {
	if res.PreviewImage != "" {
		return nil
	}

	switch family := Family(res.ContentType); family {
	case FamilyImage, FamilyAudio:
		// Rendered downstream from the artifact itself.
		return nil
	case FamilyVideo:
		return p.videoPreview(ctx, res, localSource)
	default:
		return p.templatePreview(ctx, res, family)
	}
}

func (p *Previewer) videoPreview(ctx context.Context, res *models.Resource, localSource string) error {
	input := localSource
	if input == "" {
		url, err := p.objects.PresignedGetURL(ctx, res.StorageKey(), time.Hour)
		if err != nil {
			return err
		}
		input = url
	}

	framePath := filepath.Join(p.scratch, fmt.Sprintf("preview-%s.jpg", res.ID))
	defer os.Remove(framePath)

	if err := p.transcoder.ExtractFrame(ctx, input, framePath); err != nil {
		return fmt.Errorf("frame extraction failed for %s: %w", res.ID, err)
	}

	key := fmt.Sprintf("%s/%s/video-preview-%s.jpg", res.Company, res.CreatedBy, res.ID)
	if err := p.objects.PutFile(ctx, key, framePath, "image/jpeg"); err != nil {
		return err
	}
	return p.store.SetPreview(ctx, res.ID, key)
}

func (p *Previewer) templatePreview(ctx context.Context, res *models.Resource, family ContentFamily) error {
	name, ok := templateByFamily[family]
	if !ok {
		name = templateByFamily[FamilyGeneric]
	}
	path := filepath.Join(p.templates, name)
	if _, err := os.Stat(path); err != nil {
		p.log.Warnw("preview template missing, skipping", "resource_id", res.ID, "template", name)
		return nil
	}

	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	key := fmt.Sprintf("%s/%s/preview-%s.%s", res.Company, res.CreatedBy, res.ID, ext)
	if err := p.objects.PutFile(ctx, key, path, "image/jpeg"); err != nil {
		return err
	}
	return p.store.SetPreview(ctx, res.ID, key)
}
