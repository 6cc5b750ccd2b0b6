package chat

import (
	"math/rand"
	"strings"
)

// fallbackPhrases are the canned grounded-mode answers used when the model
// found no support in retrieved material.
var fallbackPhrases = map[string][]string{
	"en": {
		"I could not find that in the available documentation.",
		"The documentation I have access to does not cover this.",
		"I don't have information on that in my knowledge base.",
	},
	"de": {
		"Dazu konnte ich in der verfügbaren Dokumentation nichts finden.",
		"Die mir vorliegende Dokumentation behandelt dieses Thema nicht.",
		"Dazu habe ich keine Informationen in meiner Wissensbasis.",
	},
	"fr": {
		"Je n'ai rien trouvé à ce sujet dans la documentation disponible.",
		"La documentation dont je dispose ne couvre pas ce sujet.",
	},
	"es": {
		"No encontré nada al respecto en la documentación disponible.",
		"La documentación a la que tengo acceso no cubre este tema.",
	},
	"it": {
		"Non ho trovato nulla al riguardo nella documentazione disponibile.",
		"La documentazione a mia disposizione non tratta questo argomento.",
	},
	"pt": {
		"Não encontrei nada sobre isso na documentação disponível.",
		"A documentação que tenho não cobre este assunto.",
	},
	"nl": {
		"Ik kon hierover niets vinden in de beschikbare documentatie.",
		"De documentatie waarover ik beschik behandelt dit onderwerp niet.",
	},
}

// stopwords per language, used for a cheap frequency-based detection. The
// query is short, so exact detection is not worth a dependency; a wrong guess
// only changes the fallback phrasing.
var languageStopwords = map[string][]string{
	"en": {"the", "is", "are", "what", "how", "do", "does", "can", "i", "my", "a", "of", "to", "and", "you", "in"},
	"de": {"der", "die", "das", "ist", "wie", "was", "kann", "ich", "mein", "ein", "eine", "und", "nicht", "für", "mit"},
	"fr": {"le", "la", "les", "est", "que", "comment", "je", "mon", "une", "des", "et", "pour", "pas", "vous"},
	"es": {"el", "la", "los", "es", "que", "cómo", "como", "yo", "mi", "una", "y", "para", "no", "puedo"},
	"it": {"il", "la", "è", "che", "come", "io", "mio", "una", "e", "per", "non", "posso", "sono"},
	"pt": {"o", "a", "os", "é", "que", "como", "eu", "meu", "uma", "e", "para", "não", "posso"},
	"nl": {"de", "het", "is", "wat", "hoe", "ik", "mijn", "een", "en", "voor", "niet", "kan", "je"},
}

// detectLanguage guesses the query language by stopword hits, defaulting to
// English on a tie or no signal.
func detectLanguage(query string) string {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return "en"
	}
	present := make(map[string]bool, len(words))
	for _, w := range words {
		present[strings.Trim(w, ".,!?;:'\"()")] = true
	}

	best, bestScore := "en", 0
	for _, lang := range []string{"en", "de", "fr", "es", "it", "pt", "nl"} {
		score := 0
		for _, stop := range languageStopwords[lang] {
			if present[stop] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	return best
}

// fallbackResponse picks a random canned phrase in the query's language.
func fallbackResponse(query string) string {
	phrases, ok := fallbackPhrases[detectLanguage(query)]
	if !ok {
		phrases = fallbackPhrases["en"]
	}
	return phrases[rand.Intn(len(phrases))]
}

// confidence scores how much of the surfaced knowledge the answer used, on a
// 0..5 scale rounded up. minSeen guards the degenerate single-document case.
func confidence(used, seen, minSeen int) int {
	if seen <= 0 || seen < minSeen {
		return 0
	}
	if used > seen {
		used = seen
	}
	score := (5*used + seen - 1) / seen
	if score > 5 {
		score = 5
	}
	return score
}
