package security

import (
	"testing"
)

func TestSSRFGuard_ValidateURL(t *testing.T) {
	guard := NewSSRFGuard()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"正常なHTTPS URL", "https://example.com/image.jpg", false},
		{"正常なHTTP URL", "http://example.com/image.jpg", false},
		{"空URL", "", true},
		{"fileスキーム", "file:///etc/passwd", true},
		{"ftpスキーム", "ftp://example.com/file", true},
		{"ループバックIP", "http://127.0.0.1/admin", true},
		{"プライベートIP 10系", "http://10.0.0.5/internal", true},
		{"プライベートIP 172系", "http://172.16.0.1/internal", true},
		{"プライベートIP 192系", "http://192.168.1.1/router", true},
		{"クラウドメタデータIP", "http://169.254.169.254/latest/meta-data/", true},
		{"localhost", "http://localhost:8080/", true},
		{"IPv6ループバック", "http://[::1]/", true},
		{"ホストなし", "https:///path", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateURL(tt.url)
			if tt.wantErr && err == nil {
				t.Errorf("ValidateURL(%q) はエラーを返すべき", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateURL(%q) がエラーを返した: %v", tt.url, err)
			}
		})
	}
}

func TestSSRFGuard_NewSafeClient(t *testing.T) {
	guard := NewSSRFGuard()
	client := guard.NewSafeClient(0)
	if client == nil {
		t.Fatal("NewSafeClient はクライアントを返すべき")
	}

	// SSRF防止クライアントはループバックへの接続を拒否する
	resp, err := client.Get("http://127.0.0.1:1/")
	if err == nil {
		resp.Body.Close()
		t.Error("ループバックへのリクエストはブロックされるべき")
	}
}

func TestTextExtractor_ExtractText(t *testing.T) {
	extractor := NewTextExtractor()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"空入力", "", ""},
		{"プレーンテキスト", "hello world", "hello world"},
		{"タグ除去", "<p>hello <b>world</b></p>", "hello world"},
		{"段落の区切りを維持", "<p>first</p><p>second</p>", "first second"},
		{"改行タグ", "line1<br>line2", "line1 line2"},
		{"実体参照の復元", "a &amp; b &lt;c&gt;", "a & b <c>"},
		{"リンクのテキスト化", `<a href="https://example.com">link text</a>`, "link text"},
		{"scriptの中身も除去", "<script>alert(1)</script>safe", "safe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractor.ExtractText(tt.input); got != tt.want {
				t.Errorf("ExtractText(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextExtractor_Idempotent(t *testing.T) {
	extractor := NewTextExtractor()
	once := extractor.ExtractText("<p>some <i>styled</i> text</p>")
	twice := extractor.ExtractText(once)
	if once != twice {
		t.Errorf("冪等でない: %q -> %q", once, twice)
	}
}
