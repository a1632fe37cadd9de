package prompt

// Fixed is a Prompter that sends the same user-supplied instruction on every
// attempt. A random category is still resolved from the seed so output names
// stay category-tagged.
type Fixed struct {
	Text string
}

// Compose returns f.Text for category. styles are ignored.
func (f Fixed) Compose(category Category, seed *int64, _ []string) Prompt {
	resolved := category
	if category == CategoryRandom {
		rng := newRand(seed)
		resolved = concreteCategories[rng.IntN(len(concreteCategories))]
	}
	return Prompt{Text: f.Text, Category: resolved}
}
