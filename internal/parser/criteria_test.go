package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/callscore/internal/model"
)

const analysisFixture = `Оценка звонка:
1. Установление контакта (оценка: 3)
2. Выявление потребностей (оценка: 1)
3. Презентация (оценка: 2)
4. Работа с возражениями (общая оценка: 0)
9. Лишний пункт (оценка: 5)
Итоговая оценка: 6/14

Саммари: Клиент интересовался доставкой.`

func allActive() map[int]bool {
	return map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true}
}

func TestExtractCriteria(t *testing.T) {
	scores, err := ExtractCriteria(analysisFixture, allActive())
	require.NoError(t, err)

	assert.Equal(t, 3, *scores.Score(1))
	assert.Equal(t, 1, *scores.Score(2))
	assert.Equal(t, 2, *scores.Score(3))
	assert.Equal(t, 0, *scores.Score(4))
	assert.Nil(t, scores.Score(5))
	require.NotNil(t, scores.Overall)
	assert.Equal(t, 6, *scores.Overall)
}

func TestExtractCriteria_InactivePositionsSkipped(t *testing.T) {
	scores, err := ExtractCriteria(analysisFixture, map[int]bool{2: true})
	require.NoError(t, err)

	assert.Nil(t, scores.Score(1))
	assert.Equal(t, 1, *scores.Score(2))
	assert.Nil(t, scores.Score(3))
}

func TestExtractCriteria_OnlyFirstSevenMatches(t *testing.T) {
	text := "1. a (оценка: 1)\n1. a (оценка: 1)\n1. a (оценка: 1)\n1. a (оценка: 1)\n1. a (оценка: 1)\n1. a (оценка: 1)\n1. a (оценка: 1)\n2. b (оценка: 4)"
	scores, err := ExtractCriteria(text, allActive())
	require.NoError(t, err)
	assert.Nil(t, scores.Score(2))
}

func TestExtractCriteria_NothingFound(t *testing.T) {
	_, err := ExtractCriteria("Разговор прошёл хорошо.", allActive())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrParseFailure))
}

func TestExtractCriteria_OverallOnly(t *testing.T) {
	scores, err := ExtractCriteria("Итоговая оценка 10 / 14", nil)
	require.NoError(t, err)
	assert.Equal(t, 10, *scores.Overall)
}

func TestSplitAnswer(t *testing.T) {
	tests := []struct {
		name               string
		in                 string
		analytics, summary string
	}{
		{"marker", "Анализ.\n\nСаммари:  Итог.  ", "Анализ.", "Итог."},
		{"no marker", "  только анализ ", "только анализ", ""},
		{"empty", "", "", ""},
		{"split once", "a Саммари: b Саммари: c", "a", "b Саммари: c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, s := SplitAnswer(tt.in)
			assert.Equal(t, tt.analytics, a)
			assert.Equal(t, tt.summary, s)
		})
	}
}

func TestBitrixComment(t *testing.T) {
	assert.Equal(t, "Рекомендации\nи далее", BitrixComment("1. x\n8. Рекомендации\nи далее"))
	assert.Equal(t, "без пунктов", BitrixComment("без пунктов"))
}
