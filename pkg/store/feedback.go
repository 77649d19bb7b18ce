// Copyright 2025 OneKey
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"fmt"
)

// Feedback is one user rating of an answer, unique per
// (conversation_id, message_id); re-rating replaces the previous row.
type Feedback struct {
	ConversationID string
	MessageID      string
	Rating         string
	Reason         string
	Comment        string
	SourceURLs     []string
}

// UpsertFeedback records or replaces a rating.
func (s *Store) UpsertFeedback(ctx context.Context, f *Feedback) error {
	if f.ConversationID == "" || f.MessageID == "" {
		return fmt.Errorf("conversation_id and message_id are required")
	}

	sources, err := marshalJSONB(map[string]any{"urls": f.SourceURLs})
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO feedback (conversation_id, message_id, rating, reason, comment, sources)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (conversation_id, message_id) DO UPDATE SET
    rating = EXCLUDED.rating,
    reason = EXCLUDED.reason,
    comment = EXCLUDED.comment,
    sources = EXCLUDED.sources
`, f.ConversationID, f.MessageID, f.Rating, f.Reason, f.Comment, sources)
	if err != nil {
		return fmt.Errorf("failed to upsert feedback: %w", err)
	}
	return nil
}
