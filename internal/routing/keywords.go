package routing

// Built-in keyword groups for the configurable scoring dimensions.
// Config may replace any group wholesale via routing.scoring.<group>;
// the fixed dimensions (questions, constraints, imperatives,
// references, negations) are not operator-tunable.

var defaultReasoningKeywords = []string{
	"prove", "proof", "theorem", "lemma", "axiom", "derive", "derivation",
	"step by step", "step-by-step", "reason through", "chain of thought",
	"deduce", "induction", "contradiction", "rigorous", "formally",
	"explain why", "why does", "from first principles",
}

var defaultCodeKeywords = []string{
	"```", "function", "method", "class", "struct", "implement",
	"refactor", "debug", "compile", "algorithm", "unit test", "regex",
	"stack trace", "segfault", "nullpointer", "api endpoint", "sql query",
	"pull request", "code review",
}

var defaultMultiStepKeywords = []string{
	"first", "then", "next", "after that", "finally", "followed by",
	"subsequently", "step 1", "step 2", "phase", "stage", "outline a plan",
	"break down", "in order",
}

var defaultAgenticKeywords = []string{
	"run", "execute", "deploy", "install", "uninstall", "fix", "patch",
	"create a file", "delete the", "modify", "update the", "rename",
	"build", "commit", "push", "merge", "configure", "set up", "migrate",
}

var defaultTechnicalKeywords = []string{
	"kubernetes", "docker", "container", "database", "server", "latency",
	"throughput", "concurrency", "distributed", "microservice", "cache",
	"queue", "protocol", "encryption", "tls", "compiler", "kernel",
	"infrastructure", "load balancer", "replication",
}

var defaultCreativeKeywords = []string{
	"story", "poem", "haiku", "song", "lyrics", "fiction", "novel",
	"creative", "imagine a", "character", "plot", "screenplay", "joke",
	"limerick",
}

var defaultSimpleKeywords = []string{
	"what is", "what's", "define", "definition of", "meaning of",
	"who is", "who was", "when did", "when was", "where is",
	"capital of", "how many", "translate", "synonym for", "spell",
}

var defaultDomainKeywords = []string{
	"quantum", "genomics", "proteomics", "cryptography", "topology",
	"thermodynamics", "epidemiology", "astrophysics", "immunology",
	"econometrics", "computational linguistics", "category theory",
	"stochastic", "bayesian",
}

var defaultOutputKeywords = []string{
	"json", "yaml", "xml", "csv", "schema", "markdown table",
	"structured output", "machine-readable", "key-value", "jsonl",
}

// Fixed dimension vocabularies.

var constraintKeywords = []string{
	"at most", "at least", "no more than", "no fewer than", "exactly",
	"within", "must not", "may not", "bounded", "upper bound",
	"lower bound", "o(n", "o(log", "o(1", "time complexity",
	"space complexity", "limit of", "maximum of", "minimum of",
}

var imperativeKeywords = []string{
	"write", "create", "make", "generate", "list", "give me", "show",
	"draft", "compose", "produce", "summarize", "compare", "analyze",
	"convert", "rewrite", "describe",
}

var referenceKeywords = []string{
	"the docs", "the documentation", "as mentioned", "mentioned above",
	"the previous", "earlier you", "refer to", "referring to",
	"the attached", "the following document", "see above", "per the",
}

var negationKeywords = []string{
	"not", "without", "except", "unless", "never", "avoid", "don't",
	"do not", "exclude", "excluding", "no longer", "neither",
}

// structuredOutputPhrases trigger the minimum-MEDIUM override when
// found in the system prompt.
var structuredOutputPhrases = []string{
	"json", "yaml", "xml", "schema", "structured output",
	"machine-readable", "respond only with", "output format",
}
