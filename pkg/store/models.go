package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Chapters, annotated chapters, and sync
// anchors are stored as JSON-encoded ordered lists.
type BookModel struct {
	ID                string `gorm:"primaryKey"`
	OwnerID           string `gorm:"not null;index;uniqueIndex:idx_books_owner_hash,priority:1"`
	Title             string `gorm:"not null"`
	Author            string
	OriginalFilename  string `gorm:"not null"`
	PlainText         string `gorm:"type:text"`
	Chapters          datatypes.JSON
	AnnotatedChapters datatypes.JSON
	StorageKey        string
	ContentHash       string    `gorm:"not null;uniqueIndex:idx_books_owner_hash,priority:2"`
	SizeBytes         int64     `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

type AudiobookModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index;uniqueIndex:idx_audiobooks_owner_hash,priority:1"`
	Title            string
	OriginalFilename string  `gorm:"not null"`
	DurationSec      float64 `gorm:"not null"`
	Format           string  `gorm:"not null"`
	StorageKey       string
	ContentHash      string    `gorm:"not null;uniqueIndex:idx_audiobooks_owner_hash,priority:2"`
	SizeBytes        int64     `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type SyncSessionModel struct {
	ID                string `gorm:"primaryKey"`
	OwnerID           string `gorm:"not null;index"`
	BookID            string `gorm:"not null;index"`
	AudioID           string `gorm:"not null;index"`
	Status            string `gorm:"not null"`
	CurrentStep       string
	Progress          int
	SyncMode          string `gorm:"not null"`
	WordChunkSize     int
	SyncedUpToWord    int
	TotalChunks       int
	CurrentChunk      int
	SyncAnchors       datatypes.JSON
	ProgressVersion   int64
	PlaybackPosition  float64
	PlaybackProgress  float64
	PlaybackUpdatedAt time.Time
	ErrorMessage      string
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null;index"`
}
