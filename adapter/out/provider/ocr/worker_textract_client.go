// Package ocr implements the OCR Client (C3) against AWS Textract, with an
// inline synchronous path for images and an async submit/poll path backed by
// Blob Staging (C4) for every other MIME type.
package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/google/uuid"

	"worker_server/core/domain"
	"worker_server/core/port/out"
)

const (
	inlineSizeLimit = 10 * 1024 * 1024
	pollInterval    = 5 * time.Second
	pollTimeout     = 300 * time.Second
)

// Client implements out.OCRProvider. image/* payloads at or under
// inlineSizeLimit take the synchronous AnalyzeDocument path and larger image
// payloads are rejected with out.ErrPayloadTooLarge; every other MIME type is
// staged to Blob (C4) and analyzed asynchronously, whatever its size.
type Client struct {
	textract *textract.Client
	blob     out.BlobStore
	bucket   string
}

var _ out.OCRProvider = (*Client)(nil)

func NewClient(textractClient *textract.Client, blob out.BlobStore, bucket string) *Client {
	return &Client{textract: textractClient, blob: blob, bucket: bucket}
}

// isInlineEligible reports whether mimeType may take the synchronous
// AnalyzeDocument path (spec §4.3: async for all PDFs, inline acceptable
// for single-page images). PDFs always go through Blob Staging + async
// analysis regardless of size.
func isInlineEligible(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

func (c *Client) Extract(ctx context.Context, mimeType string, payload []byte) (*out.ExtractionResult, error) {
	if !isInlineEligible(mimeType) {
		return c.extractAsync(ctx, payload)
	}
	if len(payload) > inlineSizeLimit {
		return nil, out.ErrPayloadTooLarge
	}
	return c.extractInline(ctx, mimeType, payload)
}

func (c *Client) extractInline(ctx context.Context, mimeType string, payload []byte) (*out.ExtractionResult, error) {
	resp, err := c.textract.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: payload},
		FeatureTypes: []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms},
	})
	if err != nil {
		if isUnsupportedDocumentError(err) {
			return c.plainTextFallback(ctx, payload)
		}
		return nil, fmt.Errorf("%w: %v", out.ErrOcrFailed, err)
	}
	return blocksToResult(resp.Blocks), nil
}

func (c *Client) extractAsync(ctx context.Context, payload []byte) (*out.ExtractionResult, error) {
	key := fmt.Sprintf("documents/%d-%s", time.Now().UnixMilli(), uuid.NewString())
	if err := c.blob.Put(ctx, key, "application/octet-stream", payload); err != nil {
		return nil, err
	}
	// Unconditional cleanup regardless of success or failure below (spec §4.3).
	defer c.blob.Delete(ctx, key)

	start, err := c.textract.StartDocumentAnalysis(ctx, &textract.StartDocumentAnalysisInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{Bucket: aws.String(c.bucket), Name: aws.String(key)},
		},
		FeatureTypes: []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start analysis: %v", out.ErrOcrFailed, err)
	}

	deadline := time.Now().Add(pollTimeout)
	var blocks []types.Block
	var nextToken *string
	for {
		if time.Now().After(deadline) {
			return nil, out.ErrOcrTimeout
		}

		getResp, err := c.textract.GetDocumentAnalysis(ctx, &textract.GetDocumentAnalysisInput{
			JobId:     start.JobId,
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: poll analysis: %v", out.ErrOcrFailed, err)
		}

		switch getResp.JobStatus {
		case types.JobStatusSucceeded:
			blocks = append(blocks, getResp.Blocks...)
			if getResp.NextToken == nil {
				return blocksToResult(blocks), nil
			}
			nextToken = getResp.NextToken
			continue
		case types.JobStatusFailed:
			return nil, fmt.Errorf("%w: job failed", out.ErrOcrFailed)
		case types.JobStatusPartialSuccess:
			blocks = append(blocks, getResp.Blocks...)
			if getResp.NextToken == nil {
				return blocksToResult(blocks), nil
			}
			nextToken = getResp.NextToken
			continue
		default: // IN_PROGRESS
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
}

func isUnsupportedDocumentError(err error) bool {
	return strings.Contains(err.Error(), "UnsupportedDocumentException")
}

// plainTextFallback is used when the provider rejects the document type for
// structured analysis: raw text only, no key/values, no tables, confidence
// is the mean of per-line confidences (spec §4.3). DetectDocumentText only
// ever returns LINE/WORD/PAGE blocks, so no KEY_VALUE_SET or TABLE walking
// applies here.
func (c *Client) plainTextFallback(ctx context.Context, payload []byte) (*out.ExtractionResult, error) {
	resp, err := c.textract.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: payload},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: plain text fallback: %v", out.ErrOcrFailed, err)
	}

	var lines []string
	var confSum float64
	var confN int
	for _, b := range resp.Blocks {
		if b.BlockType != types.BlockTypeLine {
			continue
		}
		if b.Text != nil && strings.TrimSpace(*b.Text) != "" {
			lines = append(lines, *b.Text)
		}
		if b.Confidence != nil {
			confSum += float64(*b.Confidence)
			confN++
		}
	}

	confidence := 0.0
	if confN > 0 {
		confidence = confSum / float64(confN)
	}

	return &out.ExtractionResult{
		RawText:    strings.Join(lines, "\n"),
		Confidence: confidence,
	}, nil
}

func blocksToResult(blocks []types.Block) *out.ExtractionResult {
	byID := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			byID[*b.Id] = b
		}
	}

	var lines []string
	var keyValues []domain.KeyValuePair
	var tables []domain.ExtractedTable

	for _, b := range blocks {
		switch b.BlockType {
		case types.BlockTypeLine:
			if b.Text != nil && strings.TrimSpace(*b.Text) != "" {
				lines = append(lines, *b.Text)
			}
		case types.BlockTypeKeyValueSet:
			if containsEntityType(b.EntityTypes, types.EntityTypeKey) {
				if kv, ok := keyValueFromBlock(b, byID); ok {
					keyValues = append(keyValues, kv)
				}
			}
		case types.BlockTypeTable:
			tables = append(tables, tableFromBlock(b, byID))
		}
	}

	return &out.ExtractionResult{
		RawText:   strings.Join(lines, "\n"),
		KeyValues: keyValues,
		Tables:    tables,
	}
}

func containsEntityType(entityTypes []types.EntityType, want types.EntityType) bool {
	for _, t := range entityTypes {
		if t == want {
			return true
		}
	}
	return false
}

func keyValueFromBlock(keyBlock types.Block, byID map[string]types.Block) (domain.KeyValuePair, bool) {
	var valueBlock *types.Block
	for _, rel := range keyBlock.Relationships {
		if rel.Type != types.RelationshipTypeValue {
			continue
		}
		for _, id := range rel.Ids {
			if vb, ok := byID[id]; ok {
				vb := vb
				valueBlock = &vb
			}
		}
	}
	if valueBlock == nil {
		return domain.KeyValuePair{}, false
	}

	keyText := childWordsText(keyBlock, byID)
	valueText := childWordsText(*valueBlock, byID)
	confidence := 0.0
	if keyBlock.Confidence != nil {
		confidence += float64(*keyBlock.Confidence)
	}
	if valueBlock.Confidence != nil {
		confidence += float64(*valueBlock.Confidence)
	}
	confidence /= 2

	return domain.KeyValuePair{Key: keyText, Value: valueText, Confidence: confidence}, true
}

func childWordsText(block types.Block, byID map[string]types.Block) string {
	var parts []string
	for _, rel := range block.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			child, ok := byID[id]
			if !ok {
				continue
			}
			switch child.BlockType {
			case types.BlockTypeWord:
				if child.Text != nil {
					parts = append(parts, *child.Text)
				}
			case types.BlockTypeSelectionElement:
				if child.SelectionStatus == types.SelectionStatusSelected {
					parts = append(parts, "[X]")
				} else {
					parts = append(parts, "[ ]")
				}
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func tableFromBlock(tableBlock types.Block, byID map[string]types.Block) domain.ExtractedTable {
	type cell struct {
		row, col int
		text     string
	}
	var cells []cell
	maxRow, maxCol := 0, 0
	var confSum float64
	var confN int

	for _, rel := range tableBlock.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			cellBlock, ok := byID[id]
			if !ok || cellBlock.BlockType != types.BlockTypeCell {
				continue
			}
			row := intOr(cellBlock.RowIndex, 1) - 1
			col := intOr(cellBlock.ColumnIndex, 1) - 1
			if row > maxRow {
				maxRow = row
			}
			if col > maxCol {
				maxCol = col
			}
			if cellBlock.Confidence != nil {
				confSum += float64(*cellBlock.Confidence)
				confN++
			}
			cells = append(cells, cell{row: row, col: col, text: childWordsText(cellBlock, byID)})
		}
	}

	rows := make([][]string, maxRow+1)
	for i := range rows {
		rows[i] = make([]string, maxCol+1)
	}
	for _, c := range cells {
		rows[c.row][c.col] = c.text
	}

	confidence := 0.0
	if confN > 0 {
		confidence = confSum / float64(confN)
	}

	return domain.ExtractedTable{Rows: rows, Confidence: confidence}
}

func intOr(v *int32, fallback int32) int {
	if v == nil {
		return int(fallback)
	}
	return int(*v)
}
