package ot

// Transform 把 proposed 的位置调整到当前内容坐标系。
// concurrent 是与 proposed 基于同一基准版本、但已先行提交的其他作者操作
// （按提交顺序传入）。只看同一基准版本这一层，不回放完整因果历史：
// 三人以上同时编辑时可能欠变换，结果仍是定义良好的（Apply 会 clamp），
// 这是已知限制。
func Transform(proposed Operation, concurrent []Operation) Operation {
	out := proposed
	for _, c := range concurrent {
		if c.UserID == proposed.UserID {
			continue
		}
		switch c.Kind {
		case KindInsert:
			// 在 out.Position 之前（含相同位置）插入，右移
			if c.Position <= out.Position {
				out.Position += len([]rune(c.Content))
			}
		case KindDelete:
			// 在 out.Position 之前开始删除，左移，不减为负
			if c.Position < out.Position {
				shift := c.Length
				if d := out.Position - c.Position; shift > d {
					shift = d
				}
				out.Position -= shift
			}
		case KindReplace:
			// replace = delete + insert，二者在同一位置
			if c.Position < out.Position {
				shift := c.Length
				if d := out.Position - c.Position; shift > d {
					shift = d
				}
				out.Position -= shift
			}
			if c.Position <= out.Position {
				out.Position += len([]rune(c.Content))
			}
		case KindRetain:
		}
		if out.Position < 0 {
			out.Position = 0
		}
	}
	return out
}

// Apply 把单个操作作用到 content 上。位置和长度一律 clamp 到
// [0, len(content)]，越界不报错。偏移按 rune 计。
func Apply(content string, op Operation) string {
	r := []rune(content)
	pos := clamp(op.Position, 0, len(r))

	switch op.Kind {
	case KindInsert:
		return spliceIn(r, pos, op.Content)
	case KindDelete:
		n := clamp(op.Length, 0, len(r)-pos)
		return string(r[:pos]) + string(r[pos+n:])
	case KindReplace:
		n := clamp(op.Length, 0, len(r)-pos)
		rest := string(r[pos+n:])
		return string(r[:pos]) + op.Content + rest
	case KindRetain:
		return content
	}
	return content
}

func spliceIn(r []rune, pos int, text string) string {
	return string(r[:pos]) + text + string(r[pos:])
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
