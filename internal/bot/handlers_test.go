package bot

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"notice_crawler/internal/model"
)

func TestParseIDArg(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		want    int64
		wantErr bool
	}{
		{name: "plain id", args: "42", want: 42},
		{name: "hash prefix", args: "#42", want: 42},
		{name: "extra words ignored", args: " 7 please ", want: 7},
		{name: "empty", args: "", wantErr: true},
		{name: "not a number", args: "abc", wantErr: true},
		{name: "zero", args: "0", wantErr: true},
		{name: "negative", args: "-3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIDArg(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got id %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseIDArg() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatNotice(t *testing.T) {
	deadline := time.Date(2024, 3, 20, 18, 0, 0, 0, time.FixedZone("KST", 9*60*60))
	n := &model.StoredNotice{
		ID:        7,
		URL:       "https://www.example.ac.kr/board/view.do?mode=V&no=4521",
		Title:     "Midterm Notice",
		Body:      "<p>Exams start Monday</p><p>Bring your ID</p>",
		Category:  "Academic",
		Deadline:  &deadline,
		CreatedAt: time.Date(2024, 3, 11, 5, 30, 0, 0, time.UTC),
		Documents: []model.Document{
			{Name: "schedule.pdf", URL: "https://www.example.ac.kr/files/1", Type: model.AttachmentDocument},
		},
	}

	tests := []struct {
		name     string
		linkBase string
		want     string
	}{
		{
			name:     "deep link",
			linkBase: "https://app.example.com/root/article?id=",
			want: "#7 Midterm Notice\n" +
				"Category: Academic\n" +
				"Posted: 2024-03-11\n" +
				"Deadline: 2024-03-20\n" +
				"\nExams start Monday Bring your ID\n" +
				"\nAttachments:\n" +
				"  schedule.pdf (document): https://www.example.ac.kr/files/1\n" +
				"\nhttps://app.example.com/root/article?id=7",
		},
		{
			name: "source link fallback",
			want: "#7 Midterm Notice\n" +
				"Category: Academic\n" +
				"Posted: 2024-03-11\n" +
				"Deadline: 2024-03-20\n" +
				"\nExams start Monday Bring your ID\n" +
				"\nAttachments:\n" +
				"  schedule.pdf (document): https://www.example.ac.kr/files/1\n" +
				"\nhttps://www.example.ac.kr/board/view.do?mode=V&no=4521",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FormatNotice(n, tt.linkBase, time.UTC)); diff != "" {
				t.Errorf("FormatNotice() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormatNoticeTruncatesBody(t *testing.T) {
	n := &model.StoredNotice{ID: 1, Title: "Long", Body: "<p>" + strings.Repeat("가", 600) + "</p>"}
	got := FormatNotice(n, "", nil)
	if !strings.Contains(got, strings.Repeat("가", previewRunes)+"...") {
		t.Errorf("expected body preview truncated to %d runes, got:\n%s", previewRunes, got)
	}
	if strings.Contains(got, strings.Repeat("가", previewRunes+1)) {
		t.Error("preview longer than limit")
	}
}

func TestFormatNoticeUsesLocation(t *testing.T) {
	n := &model.StoredNotice{
		ID:        3,
		Title:     "Early post",
		URL:       "https://www.example.ac.kr/board/view.do?no=3",
		CreatedAt: time.Date(2024, 3, 10, 22, 30, 0, 0, time.UTC),
	}
	kst := time.FixedZone("KST", 9*60*60)

	tests := []struct {
		name string
		loc  *time.Location
		want string
	}{
		{name: "utc", loc: time.UTC, want: "Posted: 2024-03-10"},
		{name: "kst", loc: kst, want: "Posted: 2024-03-11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatNotice(n, "", tt.loc)
			if !strings.Contains(got, tt.want) {
				t.Errorf("FormatNotice() missing %q, got:\n%s", tt.want, got)
			}
		})
	}
}
