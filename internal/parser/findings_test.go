package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoRecordFixture = `=== RESPONSE ===
Ошибка 1: Недостаточное выявление потребностей клиента

Количество повторений: 3

- Клиент не смог объяснить свои потребности, менеджер не задал уточняющих вопросов (звонок 12)
Ошибка 2: Отсутствие работы с возражениями

Количество повторений: 2

- Клиент выразил сомнения, но менеджер не предложил аргументов (звонок 10)
`

func TestParseFindings_TwoRecords(t *testing.T) {
	recs := ParseFindings(twoRecordFixture, ErrorLabels...)
	require.Len(t, recs, 2)

	assert.Equal(t, "Недостаточное выявление потребностей клиента", recs[0].Title)
	assert.Equal(t, 3, recs[0].Frequency)
	require.Len(t, recs[0].Examples, 1)
	assert.Equal(t, []int64{12}, ExtractCallIDs(recs[0].Examples[0]))

	assert.Equal(t, "Отсутствие работы с возражениями", recs[1].Title)
	assert.Equal(t, 2, recs[1].Frequency)
	require.Len(t, recs[1].Examples, 1)
	assert.Equal(t, []int64{10}, ExtractCallIDs(recs[1].Examples[0]))
}

func TestParseFindings_ExampleTextStripped(t *testing.T) {
	recs := ParseFindings("Фактор 1: Сайт\nКоличество повторений: 1\n--  понравился сайт (звонок 4)  ", FactorLabels...)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"понравился сайт (звонок 4)"}, recs[0].Examples)
}

func TestParseFindings_LabelsPerKind(t *testing.T) {
	text := "Проблема 1: Дорого\nКоличество повторений: 2\n- цена (звонок 1)\nОшибка 2: Нет перезвона\n- забыли (звонок 2)"

	insights := ParseFindings(text, InsightLabels...)
	require.Len(t, insights, 2)
	assert.Equal(t, "Дорого", insights[0].Title)
	assert.Equal(t, "Нет перезвона", insights[1].Title)
	assert.Equal(t, 0, insights[1].Frequency)

	errs := ParseFindings(text, ErrorLabels...)
	require.Len(t, errs, 1)
	assert.Equal(t, "Нет перезвона", errs[0].Title)

	assert.Empty(t, ParseFindings(text, FactorLabels...))
}

func TestParseFindings_IgnoresLinesBeforeFirstTitle(t *testing.T) {
	text := "Вот анализ:\nКоличество повторений: 9\n- пример (звонок 3)\nОшибка 1: Спешка\nКоличество повторений: 1\n- быстро (звонок 5)"
	recs := ParseFindings(text)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Frequency)
	assert.Equal(t, []string{"быстро (звонок 5)"}, recs[0].Examples)
}

func TestParseFindings_TrailingPartialRecord(t *testing.T) {
	recs := ParseFindings("Ошибка 1: Оборвано")
	require.Len(t, recs, 1)
	assert.Equal(t, "Оборвано", recs[0].Title)
	assert.Equal(t, 0, recs[0].Frequency)
	assert.Empty(t, recs[0].Examples)
	assert.False(t, recs[0].Persistable())
}

func TestParseFindings_MarkdownEmphasis(t *testing.T) {
	text := "**Ошибка 1: Нет приветствия**\n**Количество повторений: 2**\n- (звонок 7)\n### Ошибка 2: Перебивает"
	recs := ParseFindings(text)
	require.Len(t, recs, 2)
	assert.Equal(t, "Нет приветствия", recs[0].Title)
	assert.Equal(t, 2, recs[0].Frequency)
	assert.Equal(t, "Перебивает", recs[1].Title)
}

func TestParseFindings_Empty(t *testing.T) {
	assert.Empty(t, ParseFindings(""))
	assert.Empty(t, ParseFindings("ничего полезного\nсовсем"))
}

func TestRecord_Persistable(t *testing.T) {
	assert.True(t, Record{Frequency: 1, Examples: []string{"x"}}.Persistable())
	assert.False(t, Record{Frequency: 0, Examples: []string{"x"}}.Persistable())
	assert.False(t, Record{Frequency: 3}.Persistable())
}

func TestExtractCallIDs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []int64
	}{
		{"single", "(звонок 12)", []int64{12}},
		{"no space", "звонок12", []int64{12}},
		{"upper case", "ЗВОНОК 7 и Звонок 8", []int64{7, 8}},
		{"none", "без ссылок", []int64{}},
		{"duplicates kept", "звонок 3, звонок 3", []int64{3, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCallIDs(tt.in))
		})
	}
}

func FuzzParseFindings(f *testing.F) {
	f.Add(twoRecordFixture)
	f.Add("Ошибка 1: x\nКоличество повторений: 99999999999999999999\n- звонок 1")
	f.Add("**\n-\n###")
	f.Fuzz(func(t *testing.T, text string) {
		recs := ParseFindings(text, InsightLabels...)
		again := ParseFindings(text, InsightLabels...)
		if len(recs) != len(again) {
			t.Fatalf("non-deterministic record count")
		}
		for _, r := range recs {
			if r.Title == "" {
				t.Fatalf("empty title in %q", text)
			}
			if r.Frequency < 0 {
				t.Fatalf("negative frequency")
			}
			for _, ex := range r.Examples {
				if ex != strings.TrimSpace(ex) {
					t.Fatalf("example not trimmed: %q", ex)
				}
			}
		}
		for _, id := range ExtractCallIDs(text) {
			if id < 0 {
				t.Fatalf("negative id")
			}
		}
	})
}
