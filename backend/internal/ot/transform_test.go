package ot

import "testing"

func TestApply_InsertMiddle(t *testing.T) {
	got := Apply("Hello world", Operation{Kind: KindInsert, Position: 5, Content: " collaborative"})
	want := "Hello collaborative world"
	if got != want {
		t.Fatalf("Apply() = %q, want %q", got, want)
	}
}

func TestApply_DeleteMiddle(t *testing.T) {
	got := Apply("Hello collaborative world", Operation{Kind: KindDelete, Position: 5, Length: 14})
	want := "Hello world"
	if got != want {
		t.Fatalf("Apply() = %q, want %q", got, want)
	}
}

func TestApply_Replace(t *testing.T) {
	got := Apply("Hello world", Operation{Kind: KindReplace, Position: 6, Length: 5, Content: "class"})
	want := "Hello class"
	if got != want {
		t.Fatalf("Apply() = %q, want %q", got, want)
	}
}

func TestApply_RetainIsNoop(t *testing.T) {
	if got := Apply("Hello", Operation{Kind: KindRetain, Position: 3}); got != "Hello" {
		t.Fatalf("Apply() = %q, want %q", got, "Hello")
	}
}

func TestApply_ClampsOutOfRange(t *testing.T) {
	// 越界位置 clamp 到文末，不报错
	if got := Apply("abc", Operation{Kind: KindInsert, Position: 99, Content: "!"}); got != "abc!" {
		t.Fatalf("Apply() = %q, want %q", got, "abc!")
	}
	if got := Apply("abc", Operation{Kind: KindInsert, Position: -5, Content: "!"}); got != "!abc" {
		t.Fatalf("Apply() = %q, want %q", got, "!abc")
	}
	// 删除长度超出剩余内容
	if got := Apply("abc", Operation{Kind: KindDelete, Position: 1, Length: 99}); got != "a" {
		t.Fatalf("Apply() = %q, want %q", got, "a")
	}
}

func TestApply_RuneOffsets(t *testing.T) {
	got := Apply("课程计划", Operation{Kind: KindInsert, Position: 2, Content: "的"})
	want := "课程的计划"
	if got != want {
		t.Fatalf("Apply() = %q, want %q", got, want)
	}
}

func TestTransform_InsertBeforeShiftsRight(t *testing.T) {
	proposed := Operation{Kind: KindInsert, Position: 5, Content: "X", UserID: 2, Version: 1}
	concurrent := []Operation{{Kind: KindInsert, Position: 0, Content: "ab", UserID: 1, Version: 1}}
	out := Transform(proposed, concurrent)
	if out.Position != 7 {
		t.Fatalf("Transform position = %d, want %d", out.Position, 7)
	}
}

func TestTransform_InsertAfterDoesNotShift(t *testing.T) {
	// A 在 5 插入 " world"，B 基于 version 0 在 0 插入，位置保持 0
	proposed := Operation{Kind: KindInsert, Position: 0, Content: "! ", UserID: 2, Version: 1}
	concurrent := []Operation{{Kind: KindInsert, Position: 5, Content: " world", UserID: 1, Version: 1}}
	out := Transform(proposed, concurrent)
	if out.Position != 0 {
		t.Fatalf("Transform position = %d, want %d", out.Position, 0)
	}
}

func TestTransform_DeleteBeforeShiftsLeft(t *testing.T) {
	proposed := Operation{Kind: KindInsert, Position: 10, Content: "X", UserID: 2, Version: 1}
	concurrent := []Operation{{Kind: KindDelete, Position: 2, Length: 3, UserID: 1, Version: 1}}
	out := Transform(proposed, concurrent)
	if out.Position != 7 {
		t.Fatalf("Transform position = %d, want %d", out.Position, 7)
	}
}

func TestTransform_DeleteOverlappingClampsToStart(t *testing.T) {
	// 删除跨过 proposed 位置：左移量封顶为 position-start，不为负
	proposed := Operation{Kind: KindInsert, Position: 4, Content: "X", UserID: 2, Version: 1}
	concurrent := []Operation{{Kind: KindDelete, Position: 2, Length: 10, UserID: 1, Version: 1}}
	out := Transform(proposed, concurrent)
	if out.Position != 2 {
		t.Fatalf("Transform position = %d, want %d", out.Position, 2)
	}
}

func TestTransform_SameAuthorSkipped(t *testing.T) {
	proposed := Operation{Kind: KindInsert, Position: 5, Content: "X", UserID: 1, Version: 1}
	concurrent := []Operation{{Kind: KindInsert, Position: 0, Content: "ab", UserID: 1, Version: 1}}
	out := Transform(proposed, concurrent)
	if out.Position != 5 {
		t.Fatalf("Transform position = %d, want %d", out.Position, 5)
	}
}

func TestTransform_FoldsInCommitOrder(t *testing.T) {
	proposed := Operation{Kind: KindInsert, Position: 5, Content: "X", UserID: 3, Version: 1}
	concurrent := []Operation{
		{Kind: KindInsert, Position: 0, Content: "aa", UserID: 1, Version: 1}, // +2 -> 7
		{Kind: KindDelete, Position: 1, Length: 4, UserID: 2, Version: 1},    // -4 -> 3
	}
	out := Transform(proposed, concurrent)
	if out.Position != 3 {
		t.Fatalf("Transform position = %d, want %d", out.Position, 3)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{"insert ok", Operation{Kind: KindInsert, Position: 0, Content: "x"}, false},
		{"insert missing content", Operation{Kind: KindInsert, Position: 0}, true},
		{"delete ok", Operation{Kind: KindDelete, Position: 0, Length: 1}, false},
		{"delete zero length", Operation{Kind: KindDelete, Position: 0}, true},
		{"replace ok", Operation{Kind: KindReplace, Position: 0, Length: 1, Content: "x"}, false},
		{"replace missing length", Operation{Kind: KindReplace, Position: 0, Content: "x"}, true},
		{"retain ok", Operation{Kind: KindRetain, Position: 3}, false},
		{"negative position", Operation{Kind: KindInsert, Position: -1, Content: "x"}, true},
		{"unknown kind", Operation{Kind: Kind("move"), Position: 0}, true},
	}
	for _, tc := range cases {
		if err := tc.op.Validate(); (err != nil) != tc.wantErr {
			t.Fatalf("%s: Validate() error = %v, wantErr %t", tc.name, err, tc.wantErr)
		}
	}
}
