package domain

import "time"

type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionPaused     SessionStatus = "paused"
	SessionComplete   SessionStatus = "complete"
	SessionError      SessionStatus = "error"
)

type SyncStep string

const (
	StepExtracting   SyncStep = "extracting"
	StepSegmenting   SyncStep = "segmenting"
	StepTranscribing SyncStep = "transcribing"
	StepMatching     SyncStep = "matching"
	StepComplete     SyncStep = "complete"
)

type SyncMode string

const (
	ModeFull        SyncMode = "full"
	ModeProgressive SyncMode = "progressive"
)

// Chapter is a half-open character range [StartChar, EndChar) into the
// book's plain text.
type Chapter struct {
	Title     string `json:"title"`
	StartChar int    `json:"startChar"`
	EndChar   int    `json:"endChar"`
	WordCount int    `json:"wordCount"`
}

// AnnotatedChapter carries the display HTML for one chapter with styles
// inlined and asset references rewritten to data URLs.
type AnnotatedChapter struct {
	Title string `json:"title"`
	HTML  string `json:"html"`
}

type Book struct {
	ID                string             `json:"id"`
	OwnerID           string             `json:"ownerId"`
	Title             string             `json:"title"`
	Author            string             `json:"author,omitempty"`
	OriginalFilename  string             `json:"originalFilename"`
	PlainText         string             `json:"-"`
	Chapters          []Chapter          `json:"chapters"`
	AnnotatedChapters []AnnotatedChapter `json:"-"`
	StorageKey        string             `json:"-"`
	ContentHash       string             `json:"contentHash"`
	SizeBytes         int64              `json:"sizeBytes"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

type Audiobook struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	Title            string    `json:"title,omitempty"`
	OriginalFilename string    `json:"originalFilename"`
	DurationSec      float64   `json:"durationSec"`
	Format           string    `json:"format"`
	StorageKey       string    `json:"-"`
	ContentHash      string    `json:"contentHash"`
	SizeBytes        int64     `json:"sizeBytes"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// SyncAnchor asserts that at AudioTime seconds the narrator is at character
// position CharIndex of the book's plain text.
type SyncAnchor struct {
	AudioTime  float64 `json:"audioTime"`
	CharIndex  int     `json:"charIndex"`
	Confidence float64 `json:"confidence"`
}

type SyncSession struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"ownerId"`
	BookID            string        `json:"bookId"`
	AudioID           string        `json:"audioId"`
	Status            SessionStatus `json:"status"`
	CurrentStep       SyncStep      `json:"currentStep"`
	Progress          int           `json:"progress"`
	SyncMode          SyncMode      `json:"syncMode"`
	WordChunkSize     int           `json:"wordChunkSize"`
	SyncedUpToWord    int           `json:"syncedUpToWord"`
	TotalChunks       int           `json:"totalChunks"`
	CurrentChunk      int           `json:"currentChunk"`
	SyncAnchors       []SyncAnchor  `json:"syncAnchors"`
	ProgressVersion   int64         `json:"progressVersion"`
	PlaybackPosition  float64       `json:"playbackPositionSec"`
	PlaybackProgress  float64       `json:"playbackProgress"`
	PlaybackUpdatedAt time.Time     `json:"playbackUpdatedAt"`
	ErrorMessage      string        `json:"errorMessage,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}
