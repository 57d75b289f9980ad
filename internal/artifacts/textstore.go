package artifacts

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mirahq/mira/pkg/models"
)

// Size and retrieval limits for the deduplicated text-artifact store.
const (
	ArtifactThresholdBytes  = 4 * 1024        // outputs above this from an artifactable tool get stored
	MaxArtifactSize         = 10 * 1024 * 1024 // hard cap; store_deduped refuses above this
	SearchableTextCapBytes  = 16 * 1024        // searchable_text is truncated to this many bytes
	DefaultFetchLimit       = 8 * 1024         // fetch() caps limit to this many bytes
	ProjectArtifactCapBytes = 200 * 1024 * 1024
	MaxSearchResults        = 20
	MaxSearchContextBytes   = 500
)

// TTLs by artifact kind. A secret-flagged artifact always gets the
// shortest TTL regardless of kind.
const (
	TTLToolOutput = 24 * time.Hour
	TTLDiff       = 7 * 24 * time.Hour
	TTLSecret     = 1 * time.Hour
)

// artifactableTools are tools whose output is large enough, often enough,
// to be worth deduplicating and artifacting rather than always inlining.
var artifactableTools = []string{
	"bash", "shell", "git_diff", "git_log", "grep", "read_file", "build", "test",
}

// ErrTooLarge is returned by StoreDeduped when content exceeds MaxArtifactSize.
var ErrTooLarge = fmt.Errorf("artifacts: content exceeds max artifact size")

// Decision is the outcome of deciding whether a tool's output should be
// stored as an artifact rather than returned inline.
type Decision struct {
	ShouldArtifact  bool
	Preview         string
	TotalBytes      int64
	ContainsSecrets bool
	SecretReason    string
}

// Decide inspects a tool's raw text output and decides whether it warrants
// artifacting. It never stores anything; call StoreDeduped separately once
// the decision is made.
func Decide(toolName, output string) Decision {
	totalBytes := int64(len(output))

	var containsSecrets bool
	var secretReason string
	if m := DetectSecret(output); m != nil {
		containsSecrets = true
		secretReason = m.Reason
	}

	shouldArtifact := totalBytes > ArtifactThresholdBytes && containsAnySubstring(artifactableTools, toolName)

	preview := output
	if shouldArtifact || totalBytes > DefaultFetchLimit {
		preview = createSmartExcerpt(toolName, output)
	}

	return Decision{
		ShouldArtifact:  shouldArtifact,
		Preview:         preview,
		TotalBytes:      totalBytes,
		ContainsSecrets: containsSecrets,
		SecretReason:    secretReason,
	}
}

func containsAnySubstring(set []string, needle string) bool {
	for _, s := range set {
		if strings.Contains(needle, s) {
			return true
		}
	}
	return false
}

// TextStore persists large tool outputs as deduplicated, TTL-governed,
// secret-aware artifacts, scoped to a single project.
type TextStore struct {
	db          *sql.DB
	projectPath string
}

// NewTextStore returns a store scoped to projectPath. The artifacts table
// must already exist (see internal/storage) with a unique index on
// (project_path, sha256).
func NewTextStore(db *sql.DB, projectPath string) *TextStore {
	return &TextStore{db: db, projectPath: projectPath}
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// findBySHA256 looks up an existing artifact for this project with the
// given content hash, implementing the (project_path, sha256) dedup key.
func (s *TextStore) findBySHA256(ctx context.Context, hash string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM artifacts WHERE project_path = ? AND sha256 = ? LIMIT 1
	`, s.projectPath, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find by sha256: %w", err)
	}
	return id, nil
}

// StoreDeduped stores content under kind, returning its artifact id and
// whether an identical artifact (same project, same sha256) already
// existed. Refuses with ErrTooLarge above MaxArtifactSize.
func (s *TextStore) StoreDeduped(ctx context.Context, kind, toolName, toolCallID, content string, containsSecrets bool, secretReason string) (id string, wasDedupeHit bool, err error) {
	if int64(len(content)) > MaxArtifactSize {
		return "", false, ErrTooLarge
	}

	hash := sha256Hex(content)
	if existing, err := s.findBySHA256(ctx, hash); err != nil {
		return "", false, err
	} else if existing != "" {
		return existing, true, nil
	}

	newID := uuid.NewString()
	now := time.Now().UTC()

	ttl := TTLToolOutput
	switch {
	case containsSecrets:
		ttl = TTLSecret
	case kind == "diff":
		ttl = TTLDiff
	}
	expiresAt := now.Add(ttl)

	preview := createExcerpt(content, excerptHeadChars, excerptTailChars)

	searchable := content
	if len(searchable) > SearchableTextCapBytes {
		searchable = truncateToValidUTF8(searchable, SearchableTextCapBytes)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (
			id, created_at, expires_at, project_path,
			kind, tool_name, tool_call_id,
			uncompressed_bytes, compressed_bytes,
			sha256, contains_secrets, secret_reason,
			preview_text, data, searchable_text
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, newID, now, expiresAt, s.projectPath,
		kind, nullableString(toolName), nullableString(toolCallID),
		int64(len(content)), int64(len(content)),
		hash, containsSecrets, nullableString(secretReason),
		preview, []byte(content), searchable,
	)
	if err != nil {
		return "", false, fmt.Errorf("insert artifact: %w", err)
	}
	return newID, false, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *TextStore) loadContent(ctx context.Context, artifactID string) (content string, containsSecrets bool, err error) {
	var data []byte
	var secrets bool
	err = s.db.QueryRowContext(ctx, `
		SELECT data, contains_secrets FROM artifacts WHERE id = ?
	`, artifactID).Scan(&data, &secrets)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load artifact: %w", err)
	}
	return string(data), secrets, nil
}

// Fetch returns a UTF-8-safe slice of artifactID's content starting at
// offset, capped to DefaultFetchLimit bytes. Secret-flagged artifacts are
// redacted before slicing. Returns nil, nil if the artifact doesn't exist.
func (s *TextStore) Fetch(ctx context.Context, artifactID string, offset, limit int64) (*models.ArtifactFetch, error) {
	if limit <= 0 || limit > DefaultFetchLimit {
		limit = DefaultFetchLimit
	}

	content, containsSecrets, err := s.loadContent(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if content == "" && !s.exists(ctx, artifactID) {
		return nil, nil
	}

	text := content
	if containsSecrets {
		text = RedactSecrets(text)
	}

	slice, start, end := safeUTF8Slice(text, int(offset), int(limit))
	return &models.ArtifactFetch{
		ArtifactID: artifactID,
		Offset:     int64(start),
		Limit:      int64(end - start),
		TotalBytes: int64(len(text)),
		Content:    slice,
		Truncated:  end < len(text),
	}, nil
}

func (s *TextStore) exists(ctx context.Context, artifactID string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE id = ?`, artifactID).Scan(&one)
	return err == nil
}

// Search performs a case-insensitive substring search over artifactID's
// (possibly redacted) content, returning at most maxResults matches with
// byte offsets, contextual previews, and a suggested follow-up fetch
// range. Returns nil, nil if the artifact doesn't exist.
func (s *TextStore) Search(ctx context.Context, artifactID, query string, maxResults, contextBytes int) (*models.ArtifactSearch, error) {
	if maxResults <= 0 || maxResults > MaxSearchResults {
		maxResults = MaxSearchResults
	}
	if contextBytes <= 0 || contextBytes > MaxSearchContextBytes {
		contextBytes = MaxSearchContextBytes
	}

	content, containsSecrets, err := s.loadContent(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if content == "" && !s.exists(ctx, artifactID) {
		return nil, nil
	}

	text := content
	if containsSecrets {
		text = RedactSecrets(text)
	}

	queryLower := strings.ToLower(query)
	textLower := strings.ToLower(text)

	var matches []models.ArtifactMatch
	searchStart := 0
	for len(matches) < maxResults {
		idx := strings.Index(textLower[searchStart:], queryLower)
		if idx < 0 {
			break
		}
		absolutePos := searchStart + idx

		contextStart := absolutePos - contextBytes/2
		if contextStart < 0 {
			contextStart = 0
		}
		contextEnd := absolutePos + len(query) + contextBytes/2
		if contextEnd > len(text) {
			contextEnd = len(text)
		}

		preview, sliceStart, _ := safeUTF8Slice(text, contextStart, contextEnd-contextStart)

		suggestedOffset := sliceStart - 200
		if suggestedOffset < 0 {
			suggestedOffset = 0
		}

		matches = append(matches, models.ArtifactMatch{
			Offset:          int64(absolutePos),
			Preview:         preview,
			SuggestedOffset: int64(suggestedOffset),
			SuggestedLimit:  800,
		})

		searchStart = absolutePos + len(query)
		if searchStart >= len(text) {
			break
		}
	}

	result := &models.ArtifactSearch{
		ArtifactID: artifactID,
		Query:      query,
		TotalBytes: int64(len(text)),
		Matches:    matches,
	}
	if containsSecrets {
		result.Note = "secrets redacted"
	}
	return result, nil
}

// Maintenance runs the two-pass sweep: expire everything past its TTL,
// then if the project's total stored bytes still exceed
// ProjectArtifactCapBytes, delete the oldest artifacts until under cap.
// It returns (expiredCount, capEvictedCount).
func (s *TextStore) Maintenance(ctx context.Context) (expired, capEvicted int, err error) {
	expired, err = s.expireOld(ctx)
	if err != nil {
		return 0, 0, err
	}
	capEvicted, err = s.enforceSizeCap(ctx, ProjectArtifactCapBytes)
	if err != nil {
		return expired, 0, err
	}
	return expired, capEvicted, nil
}

func (s *TextStore) expireOld(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM artifacts WHERE expires_at IS NOT NULL AND expires_at < ?
	`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("expire artifacts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *TextStore) enforceSizeCap(ctx context.Context, maxBytes int64) (int, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(compressed_bytes), 0) FROM artifacts WHERE project_path = ?
	`, s.projectPath).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum artifact bytes: %w", err)
	}
	if total <= maxBytes {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, compressed_bytes FROM artifacts
		WHERE project_path = ?
		ORDER BY created_at ASC
		LIMIT 100
	`, s.projectPath)
	if err != nil {
		return 0, fmt.Errorf("list oldest artifacts: %w", err)
	}
	defer rows.Close()

	type row struct {
		id   string
		size int64
	}
	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.size); err != nil {
			return 0, fmt.Errorf("scan artifact row: %w", err)
		}
		candidates = append(candidates, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	excess := total - maxBytes
	var freed int64
	deleted := 0
	for _, c := range candidates {
		if freed >= excess {
			break
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, c.id); err != nil {
			return deleted, fmt.Errorf("delete artifact %s: %w", c.id, err)
		}
		freed += c.size
		deleted++
	}
	return deleted, nil
}

// safeUTF8Slice returns the substring of text spanning [start, start+limit),
// with both boundaries advanced to the nearest valid UTF-8 rune boundary so
// the result is always a valid string. It also returns the adjusted
// (start, end) byte offsets.
func safeUTF8Slice(text string, start, limit int) (slice string, actualStart, actualEnd int) {
	length := len(text)
	if start < 0 {
		start = 0
	}
	if start >= length {
		return "", length, length
	}

	actualStart = start
	for actualStart < length && !utf8.RuneStart(text[actualStart]) {
		actualStart++
	}

	actualEnd = actualStart + limit
	if actualEnd > length {
		actualEnd = length
	}
	for actualEnd > actualStart && actualEnd < length && !utf8.RuneStart(text[actualEnd]) {
		actualEnd--
	}

	return text[actualStart:actualEnd], actualStart, actualEnd
}

// truncateToValidUTF8 truncates s to at most maxBytes bytes without
// splitting a multi-byte rune.
func truncateToValidUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	end := maxBytes
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
