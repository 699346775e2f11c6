package matrix

import "testing"

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text",
			input:    "New post in Example Feed",
			expected: "New post in Example Feed",
		},
		{
			name:     "link",
			input:    "New post: [Hello World](https://example.com/posts/1)",
			expected: `New post: <a href="https://example.com/posts/1">Hello World</a>`,
		},
		{
			name:     "bold",
			input:    "**alice** approved a merge request",
			expected: "<strong>alice</strong> approved a merge request",
		},
		{
			name:     "inline code",
			input:    "pushed to `main`",
			expected: "pushed to <code>main</code>",
		},
		{
			name:     "html is escaped",
			input:    "title with <script> inside",
			expected: "title with &lt;script&gt; inside",
		},
		{
			name:     "link label is escaped",
			input:    "[<b>bold</b>](https://example.com)",
			expected: `<a href="https://example.com">&lt;b&gt;bold&lt;/b&gt;</a>`,
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := MarkdownToHTML(tt.input)
			if result != tt.expected {
				t.Errorf("MarkdownToHTML(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestMessageContentToRaw(t *testing.T) {
	t.Run("threaded message", func(t *testing.T) {
		content := &MessageContent{
			MsgType:   "m.notice",
			Body:      "reply",
			RelatesTo: &ThreadRelation{EventID: "$root", FallingBack: true},
			Extra:     map[string]any{"io.hookline.figma.comment_id": "123"},
		}
		raw := content.toRaw()
		rel, ok := raw["m.relates_to"].(map[string]any)
		if !ok {
			t.Fatalf("m.relates_to missing: %v", raw)
		}
		if rel["rel_type"] != "m.thread" || rel["event_id"] != "$root" {
			t.Errorf("relation = %v", rel)
		}
		if rel["is_falling_back"] != true {
			t.Errorf("is_falling_back missing: %v", rel)
		}
		inReply, ok := rel["m.in_reply_to"].(map[string]any)
		if !ok || inReply["event_id"] != "$root" {
			t.Errorf("m.in_reply_to = %v", rel["m.in_reply_to"])
		}
		if raw["io.hookline.figma.comment_id"] != "123" {
			t.Errorf("extra key not merged: %v", raw)
		}
	})

	t.Run("plain message omits optional fields", func(t *testing.T) {
		raw := (&MessageContent{MsgType: "m.notice", Body: "hi"}).toRaw()
		if _, ok := raw["m.relates_to"]; ok {
			t.Error("unexpected relation")
		}
		if _, ok := raw["format"]; ok {
			t.Error("unexpected format")
		}
	})

	t.Run("formatted body sets format", func(t *testing.T) {
		raw := (&MessageContent{MsgType: "m.notice", Body: "hi", FormattedBody: "<b>hi</b>"}).toRaw()
		if raw["format"] != "org.matrix.custom.html" {
			t.Errorf("format = %v", raw["format"])
		}
	})
}
