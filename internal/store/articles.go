package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"transcript-relay-service/internal/models"
)

// ArticleStore is the database backing of the knowledge-base adapter.
type ArticleStore struct {
	db *gorm.DB
}

// UpsertArticle inserts or replaces an article. Tags are stored comma separated.
func (s *ArticleStore) UpsertArticle(ctx context.Context, tenantID string, a models.Article) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("article id is required")
	}
	if tenantID == "" {
		tenantID = "default"
	}
	now := time.Now().UTC()
	row := articleRow{
		ID:        a.ID,
		TenantID:  tenantID,
		Title:     a.Title,
		Snippet:   a.Snippet,
		URL:       a.URL,
		Tags:      strings.Join(a.Tags, ","),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "title", "snippet", "url", "tags", "updated_at"}),
		}).
		Create(&row).Error
}

// Search matches the query phrase and its words against title, snippet and tags.
// Scores: 0.9 phrase in title, 0.7 phrase in snippet, 0.5 any word in title, 0.3 otherwise.
func (s *ArticleStore) Search(ctx context.Context, tenantID, query string, limit int) ([]models.Article, error) {
	phrase := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(query, "_", " ")))
	if phrase == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	var words []string
	for _, w := range strings.Fields(phrase) {
		if len(w) > 2 {
			words = append(words, w)
		}
	}

	terms := append([]string{phrase}, words...)
	q := s.db.WithContext(ctx).Model(&articleRow{})
	if tenantID != "" {
		q = q.Where("tenant_id IN ?", []string{tenantID, "default"})
	}
	cond := s.db.Where("1 = 0")
	for _, t := range terms {
		like := "%" + t + "%"
		cond = cond.Or("LOWER(title) LIKE ?", like).
			Or("LOWER(snippet) LIKE ?", like).
			Or("LOWER(tags) LIKE ?", like)
	}

	var rows []articleRow
	if err := q.Where(cond).Limit(limit * 4).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("search articles: %w", err)
	}

	out := make([]models.Article, 0, len(rows))
	for _, r := range rows {
		a := r.toModel()
		a.Score = score(phrase, words, strings.ToLower(r.Title), strings.ToLower(r.Snippet))
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func score(phrase string, words []string, title, snippet string) float64 {
	switch {
	case strings.Contains(title, phrase):
		return 0.9
	case strings.Contains(snippet, phrase):
		return 0.7
	}
	for _, w := range words {
		if strings.Contains(title, w) {
			return 0.5
		}
	}
	return 0.3
}

type articleRow struct {
	ID        string `gorm:"primaryKey;size:191"`
	TenantID  string `gorm:"size:191;index;not null"`
	Title     string `gorm:"size:512;not null"`
	Snippet   string `gorm:"type:text"`
	URL       string `gorm:"size:1024"`
	Tags      string `gorm:"size:1024"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (articleRow) TableName() string {
	return "kb_articles"
}

func (r articleRow) toModel() models.Article {
	var tags []string
	for _, t := range strings.Split(r.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return models.Article{
		ID:      r.ID,
		Title:   r.Title,
		Snippet: r.Snippet,
		Source:  "db",
		URL:     r.URL,
		Tags:    tags,
	}
}
