package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const signatureHeader = "X-Notion-Signature"

// POST /webhook/notion - Notion event delivery.
//
// The first request of a subscription carries verification_token instead
// of a signed event; it is persisted and echoed back. Every later request
// must carry an HMAC-SHA256 signature over the raw body, keyed with that
// token.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.jsonError(w, "read body", http.StatusBadRequest)
		return
	}

	var payload interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			s.jsonError(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	} else {
		payload = map[string]interface{}{}
	}

	if token := verificationToken(payload); token != "" {
		if err := s.store.SetWebhookToken(token); err != nil {
			log.Printf("[webhook] persist verification token: %v", err)
			s.jsonError(w, "store token", http.StatusInternalServerError)
			return
		}
		log.Printf("[webhook] verification token captured")
		s.jsonResponse(w, map[string]interface{}{"verification_token": token})
		return
	}

	token, err := s.store.WebhookToken()
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if token == "" && s.seedToken != "" {
		// Seed from config when the handshake never reached us.
		if err := s.store.SetWebhookToken(s.seedToken); err != nil {
			s.jsonError(w, "store token", http.StatusInternalServerError)
			return
		}
		token = s.seedToken
	}
	if token == "" {
		s.jsonError(w, "webhook not verified", http.StatusUnauthorized)
		return
	}

	signature := r.Header.Get(signatureHeader)
	if signature == "" {
		s.jsonError(w, "missing signature", http.StatusUnauthorized)
		return
	}
	if !validSignature(token, body, signature) {
		s.jsonError(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	pageIDs := ExtractPageIDs(payload)
	log.Printf("[webhook] received event, page_ids=%v", pageIDs)
	if len(pageIDs) > 0 {
		if err := s.sync.SyncPages(r.Context(), pageIDs); err != nil {
			log.Printf("[webhook] sync failed: %v", err)
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	s.jsonResponse(w, map[string]interface{}{"ok": true, "updated": pageIDs})
}

// validSignature checks the sha256=<hex hmac> header against the raw body.
func validSignature(token string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func verificationToken(payload interface{}) string {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return ""
	}
	token, _ := obj["verification_token"].(string)
	return strings.TrimSpace(token)
}

// ExtractPageIDs collects every page id referenced by a webhook payload,
// normalized to dashed UUID form, deduplicated in first-seen order.
// Returns an empty (non-nil) slice when nothing matches.
func ExtractPageIDs(payload interface{}) []string {
	ids := []string{}
	seen := make(map[string]bool)
	add := func(raw string) {
		id := normalizePageID(raw)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	collectPageIDs(payload, "", add)
	return ids
}

// collectPageIDs walks the whole payload. Page references show up as
// page_id/pageId keys, as objects tagged "page" (by their own object/type
// field or by the key they sit under), or as a parent page ref.
func collectPageIDs(node interface{}, parentKey string, add func(string)) {
	switch v := node.(type) {
	case []interface{}:
		for _, item := range v {
			collectPageIDs(item, parentKey, add)
		}
	case map[string]interface{}:
		hint, _ := v["object"].(string)
		if hint == "" {
			hint, _ = v["type"].(string)
		}
		if strings.ToLower(hint) == "page" || parentKey == "page" {
			if s, ok := v["id"].(string); ok && s != "" {
				add(s)
			} else if s, ok := v["page_id"].(string); ok {
				add(s)
			}
		}

		// Keys are walked in sorted order so extraction is deterministic.
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			nested := v[key]
			if key == "page_id" || key == "pageId" {
				if s, ok := nested.(string); ok {
					add(s)
				}
				continue
			}
			if key == "parent" {
				if parent, ok := nested.(map[string]interface{}); ok {
					if s, ok := parent["page_id"].(string); ok {
						add(s)
					}
				}
			}
			collectPageIDs(nested, key, add)
		}
	}
}

// normalizePageID canonicalizes a page id to dashed lowercase UUID form.
// Notion sends ids both dashed and as bare 32-hex; anything else is
// dropped.
func normalizePageID(raw string) string {
	compact := strings.ReplaceAll(strings.TrimSpace(raw), "-", "")
	if len(compact) != 32 {
		return ""
	}
	u, err := uuid.Parse(compact)
	if err != nil {
		return ""
	}
	return u.String()
}
